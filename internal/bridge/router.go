package bridge

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/park-checkout/internal/app"
	"github.com/noah-isme/park-checkout/internal/common"
	"github.com/noah-isme/park-checkout/internal/obs"
	"github.com/noah-isme/park-checkout/internal/parkapi"
	"github.com/noah-isme/park-checkout/internal/ratelimit"
	"github.com/noah-isme/park-checkout/internal/security"
)

// RouterOptions wires the bridge router.
type RouterOptions struct {
	Logger      zerolog.Logger
	Metrics     *obs.HTTPMetrics
	Tracing     bool
	CORSOrigins []string
	Headers     security.Headers
	MaxBody     int64
	// Limiter caps requests per client IP on /v1.
	Limiter *limiter.Limiter
	// Idem makes session and top-up creation replayable by Idempotency-Key.
	Idem common.Idem
	// Events throttles browser events per session; zero Max disables it.
	Events ratelimit.Handler
	// Mount adds operational routes such as /metrics, /health and pprof.
	Mount func(r chi.Router)
}

// NewRouter builds the HTTP surface of the bridge.
func NewRouter(s *Server, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if opts.Metrics != nil {
		r.Use(obs.HTTPObs{Metrics: opts.Metrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: opts.Logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(opts.CORSOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", common.IdempotencyHeader, "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Idempotent-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(opts.Headers.Middleware)

	if opts.Mount != nil {
		opts.Mount(r)
	}

	r.Route("/v1", func(v chi.Router) {
		v.Use(app.LimitMiddleware(opts.Limiter))
		v.Use(security.BodyLimit{Max: opts.MaxBody}.Middleware)
		v.Use(forwardToken)

		v.Route("/checkout", func(c chi.Router) {
			c.Post("/code", s.RequestCode)
			c.Post("/code/verify", s.VerifyCode)
			c.With(opts.Idem.Middleware).Post("/sessions", s.CreateSession)
		})
		v.With(opts.Idem.Middleware).Post("/cards/topup", s.TopUp)

		v.Route("/sessions/{sessionID}", func(sr chi.Router) {
			sr.Get("/", s.GetSession)
			sr.Delete("/", s.Cancel)
			sr.With(eventLimit(opts.Events)).Post("/events", s.Event)
			sr.Post("/replies/{requestID}", s.Reply)
			sr.Get("/stream", s.Stream)
		})
	})
	return r
}

// forwardToken passes the shell user's bearer token on to park API calls
// made while serving the request, including pollers started by it.
func forwardToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := common.BearerToken(r); token != "" {
			r = r.WithContext(parkapi.WithToken(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

func eventLimit(h ratelimit.Handler) func(http.Handler) http.Handler {
	if h.Config.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if h.Config.Key == nil {
		h.Config.Key = ratelimit.KeyFromURLParam("sessionID")
	}
	if h.Config.Window <= 0 {
		h.Config.Window = time.Minute
	}
	return h.Middleware
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
