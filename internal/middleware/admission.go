package middleware

import (
	"fmt"
	"net/http"

	"github.com/capitalize-ai/insights-platform/internal/ratelimit"
	"github.com/capitalize-ai/insights-platform/pkg/metrics"
)

// Admission gates requests through the inbound token bucket. A denied
// request gets a 429 with a Retry-After header carrying the exact wait
// until a token becomes available.
func Admission(gate *ratelimit.Bucket) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := gate.TryAcquire()
			if !ok {
				metrics.AdmissionRejectedTotal.Inc()
				secs := retryAfter.Seconds()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%.2f", secs))
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"too many requests","retry_after":%.2f}`, secs)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
