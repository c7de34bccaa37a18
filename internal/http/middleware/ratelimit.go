package middlewarex

import (
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RateLimit caps requests per client IP per minute using a redis counter.
// With no redis client configured it is a no-op; on redis errors it fails
// open so the bank's callbacks are never dropped by our own infrastructure.
func RateLimit(rdb *redis.Client, perMin int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rdb == nil || perMin <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			key := "rl:" + ip

			n, err := rdb.Incr(r.Context(), key).Result()
			if err != nil {
				log.Warn().Err(err).Msg("rate limit: redis unavailable, failing open")
				next.ServeHTTP(w, r)
				return
			}
			if n == 1 {
				rdb.Expire(r.Context(), key, time.Minute)
			}
			if n > int64(perMin) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
