package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/noah-isme/park-checkout/internal/app"
	"github.com/noah-isme/park-checkout/internal/bank"
	"github.com/noah-isme/park-checkout/internal/bridge"
	"github.com/noah-isme/park-checkout/internal/checkout"
	"github.com/noah-isme/park-checkout/internal/common"
	"github.com/noah-isme/park-checkout/internal/config"
	"github.com/noah-isme/park-checkout/internal/health"
	"github.com/noah-isme/park-checkout/internal/lock"
	"github.com/noah-isme/park-checkout/internal/obs"
	"github.com/noah-isme/park-checkout/internal/parkapi"
	"github.com/noah-isme/park-checkout/internal/poller"
	"github.com/noah-isme/park-checkout/internal/ratelimit"
	"github.com/noah-isme/park-checkout/internal/resilience"
	"github.com/noah-isme/park-checkout/internal/security"
	"github.com/noah-isme/park-checkout/internal/urlclass"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "park")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "park-paybridge",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	deps := app.Dependencies{Validator: checkout.NewValidator(), TracerProvider: otel.GetTracerProvider()}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse redis url")
		}
		deps.Redis = redis.NewClient(redisOpts)
		if err := redisotel.InstrumentTracing(deps.Redis); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
		if metricsEnabled {
			if err := redisotel.InstrumentMetrics(deps.Redis); err != nil {
				logger.Error().Err(err).Msg("instrument redis metrics")
			}
		}
		defer func() {
			if err := deps.Redis.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = deps.Redis.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("ping redis")
		}
	} else {
		logger.Warn().Msg("redis not configured, limits and poll leases are process local")
	}

	deps.LimiterStore, err = app.NewLimiterStore(deps.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise limiter store")
	}
	deps.Limiter, err = app.NewLimiter(cfg.BridgeRateLimit, deps.LimiterStore)
	if err != nil {
		logger.Fatal().Err(err).Str("rate", cfg.BridgeRateLimit).Msg("parse BRIDGE_RATE_LIMIT")
	}

	breaker := resilience.NewBreakerWithSettings(resilience.BreakerSettings{
		Target:       "park_api",
		MinRequests:  cfg.ParkAPIBreakerMinRequests,
		FailureRatio: cfg.ParkAPIBreakerFailureRatio,
		OpenFor:      cfg.ParkAPIBreakerOpenFor,
	})
	var tokens parkapi.TokenSource
	if cfg.ParkAPIToken != "" {
		tokens = parkapi.StaticToken(cfg.ParkAPIToken)
	}
	parkClient := parkapi.NewClient(parkapi.Options{
		BaseURL:     cfg.ParkAPIBaseURL,
		Tokens:      tokens,
		Timeout:     cfg.ParkAPITimeout,
		MaxAttempts: cfg.ParkAPIMaxAttempts,
		RetryBase:   cfg.ParkAPIRetryBase,
		Breaker:     breaker,
		StatusBreaker: resilience.NewBreakerWithSettings(resilience.BreakerSettings{
			Target:       "park_api_status",
			MinRequests:  cfg.ParkAPIBreakerMinRequests,
			FailureRatio: cfg.ParkAPIBreakerFailureRatio,
			OpenFor:      cfg.ParkAPIBreakerOpenFor,
		}),
		Logger: logger.With().Str("component", "parkapi").Logger(),
	})

	var guard poller.Guard
	if deps.Redis != nil {
		guard = lock.PollGuard{
			Locker: lock.Locker{R: deps.Redis},
			TTL:    cfg.PollLeaseTTL,
			Logger: logger,
		}
	}
	limiter := ratelimit.Limiter{Client: deps.Redis, Prefix: "paybridge:rl:"}

	checkoutSvc := &checkout.Service{
		API:             parkClient,
		Throttle:        limiter,
		SignatureWindow: cfg.SignatureRateWindow,
		SignatureMax:    cfg.SignatureRateMax,
		Validator:       deps.Validator,
		Registry:        bank.DefaultRegistry(),
		MatchMode:       urlclass.ParseMode(cfg.PaymentURLMatch),
		Poll: poller.Config{
			Interval:    cfg.PaymentPollInterval,
			MaxAttempts: cfg.PaymentPollMaxAttempts,
			Deadline:    cfg.PaymentPollDeadline,
		},
		Guard:  guard,
		Logger: logger.With().Str("component", "checkout").Logger(),
	}

	hub := bridge.NewHub(logger)
	store := bridge.NewStore(cfg.BridgeSessionTTL, logger)
	server := &bridge.Server{
		Checkout:     checkoutSvc,
		Store:        store,
		Hub:          hub,
		ReplyTimeout: cfg.BridgeReplyTimeout,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(cfg.CORSAllowedOrigins),
		},
		Logger: logger,
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	healthHandler := health.Handler{
		Checker:         readinessChecker{redis: deps.Redis, park: parkClient},
		RedisTimeout:    envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		ParkAPITimeout:  envDurationMillis("HEALTH_READY_PARK_TIMEOUT_MS", 1000),
		ParkAPIOptional: envBool("HEALTH_PARK_API_OPTIONAL", true),
	}

	handler := bridge.NewRouter(server, bridge.RouterOptions{
		Logger:      logger,
		Metrics:     httpMetrics,
		Tracing:     tracingEnabled,
		CORSOrigins: cfg.CORSAllowedOrigins,
		Headers: security.Headers{
			Enable:     envBool("SECURE_HEADERS_ENABLED", true),
			EnableHSTS: cfg.IsProduction(),
			HSTSMaxAge: envInt("SECURE_HSTS_MAX_AGE", 31536000),
		},
		MaxBody: int64(envInt("BRIDGE_MAX_BODY_BYTES", security.DefaultMaxBody)),
		Limiter: deps.Limiter,
		Idem:    common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL},
		Events: ratelimit.Handler{
			Limiter: limiter,
			Config:  ratelimit.Config{Window: time.Minute, Max: envInt("BRIDGE_EVENTS_PER_MINUTE", 600)},
			OnError: func(err error) { logger.Warn().Err(err).Msg("event rate limit unavailable") },
		},
		Mount: func(r chi.Router) {
			if metricsEnabled {
				r.Handle("/metrics", promhttp.Handler())
			}
			if envBool("OBS_ENABLE_PPROF", false) {
				user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
				pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
				r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
			}
			r.Get("/health/live", healthHandler.Live)
			r.Get("/health/ready", healthHandler.Ready)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go store.RunSweeper(ctx, time.Minute, hub)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		logger.Info().Msg("server draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 15000))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Str("park_api", cfg.ParkAPIBaseURL).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

type readinessChecker struct {
	redis *redis.Client
	park  *parkapi.Client
}

// PingRedis passes when Redis is not configured; the bridge then runs with
// process-local limits.
func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func (c readinessChecker) PingParkAPI(ctx context.Context, timeout time.Duration) error {
	if c.park == nil {
		return errors.New("park api not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.park.Version(ctx)
	return err
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			// native shells do not send an Origin header
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
