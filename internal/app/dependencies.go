// Package app holds the shared infrastructure the bridge is wired from.
package app

import (
	"net/http"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/park-checkout/internal/common"
)

// limiterPrefix namespaces the ulule keys in Redis.
const limiterPrefix = "paybridge:limiter"

// Dependencies enumerates the services shared by the bridge handlers.
type Dependencies struct {
	Redis           *redis.Client
	Validator       *validator.Validate
	Limiter         *limiter.Limiter
	LimiterStore    limiter.Store
	MetricsRegistry *prometheus.Registry
	TracerProvider  trace.TracerProvider
}

// NewLimiterStore returns a Redis-backed limiter store, or an in-memory one
// when Redis is not configured.
func NewLimiterStore(rdb *redis.Client) (limiter.Store, error) {
	if rdb == nil {
		return memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: limiterPrefix}), nil
	}
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: limiterPrefix})
}

// NewLimiter parses a ulule rate such as "120-M" and binds it to store.
func NewLimiter(rate string, store limiter.Store) (*limiter.Limiter, error) {
	parsed, err := limiter.NewRateFromFormatted(strings.TrimSpace(rate))
	if err != nil {
		return nil, err
	}
	return limiter.New(store, parsed), nil
}

// LimitMiddleware limits requests per client IP and answers 429 in the
// common error shape. A nil limiter disables limiting.
func LimitMiddleware(l *limiter.Limiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	mw := stdlib.NewMiddleware(l,
		stdlib.WithKeyGetter(common.ClientIP),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, _ *http.Request) {
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, _ *http.Request, err error) {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "rate limiter unavailable", nil)
		}),
	)
	return mw.Handler
}

// Tracer returns the named tracer from the configured provider, falling back to the global one.
func (d Dependencies) Tracer(name string) trace.Tracer {
	if d.TracerProvider != nil {
		return d.TracerProvider.Tracer(name)
	}
	return otel.Tracer(name)
}
