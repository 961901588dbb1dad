package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/time/rate"
)

// Clients tracked at once. The least recently seen client's limiter
// is evicted first.
const maxLimiters = 10000

// Limiters are created on first use. Concurrent first requests from
// one client share a single load, so they draw on the same limiter.
func (s *Server) newLimiterCache() gcache.Cache {
	return gcache.New(maxLimiters).
		LRU().
		LoaderFunc(func(key interface{}) (interface{}, error) {
			burst := s.WriteBurst
			if burst < 1 {
				burst = 1
			}
			return rate.NewLimiter(rate.Limit(s.WriteRate), burst), nil
		}).
		Build()
}

// Client address, without port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) limiter(key string) (*rate.Limiter, error) {
	v, err := s.limiters.Get(key)
	if err != nil {
		return nil, err
	}
	return v.(*rate.Limiter), nil
}

// Rejects writes with 429 once a client exceeds WriteRate.
func (s *Server) limitWrites(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.WriteRate <= 0 {
			next(w, r)
			return
		}

		limiter, err := s.limiter(clientKey(r))
		if err != nil {
			s.sendError(w, r, err)
			return
		}
		if !limiter.Allow() {
			retryAfter := time.Duration(float64(time.Second) / s.WriteRate)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			s.errorResponse(w, r, http.StatusTooManyRequests, "too many requests", nil)
			return
		}

		next(w, r)
	}
}
