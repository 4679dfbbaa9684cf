package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	mhttp "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vonychka/ekskyrsiadima/internal/config"
	"github.com/vonychka/ekskyrsiadima/internal/health"
	"github.com/vonychka/ekskyrsiadima/internal/ledger"
	"github.com/vonychka/ekskyrsiadima/internal/notify"
	"github.com/vonychka/ekskyrsiadima/internal/obs"
	"github.com/vonychka/ekskyrsiadima/internal/payment"
	"github.com/vonychka/ekskyrsiadima/internal/resilience"
	"github.com/vonychka/ekskyrsiadima/internal/security"
	"github.com/vonychka/ekskyrsiadima/internal/tbank"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "ekskursia")
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	httpMetrics := obs.NewHTTPMetrics(metricsNamespace, nil, nil)

	if envBool("OBS_ENABLE_TRACING", true) {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "ekskursia-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ledger.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "ekskursia-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	asynqOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url for task queue")
	}
	taskClient := asynq.NewClient(asynqOpt)
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	tbankClient := &tbank.Client{
		TerminalKey: cfg.TBankTerminalKey,
		Password:    cfg.TBankPassword,
		BaseURL:     cfg.TBankBaseURL,
		Timeout:     cfg.TBankTimeout,
		HTTP: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	store := ledger.Postgres{Pool: pool}
	dispatcher := &notify.Dispatcher{
		Client:   taskClient,
		Queue:    cfg.NotifyQueue,
		MaxRetry: cfg.NotifyMaxRetry,
		Logger:   logger.With().Str("component", "dispatcher").Logger(),
	}

	pollBreaker := resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget("tbank").WithLogger(logger)
	paymentSvc := &payment.Service{
		Client:          tbankClient,
		Ledger:          store,
		Validate:        validator.New(validator.WithRequiredStructEnabled()),
		Breaker:         pollBreaker,
		NotificationURL: cfg.NotificationURL,
		SuccessURL:      cfg.SuccessURL,
		FailURL:         cfg.FailURL,
		ReceiptTaxation: cfg.ReceiptTaxation,
		ReceiptTax:      cfg.ReceiptTax,
		Logger:          logger.With().Str("component", "payment").Logger(),
	}
	paymentHandler := &payment.Handler{Svc: paymentSvc}
	webhook := payment.Webhook{
		TerminalKey: cfg.TBankTerminalKey,
		Password:    cfg.TBankPassword,
		Ledger:      store,
		Dispatcher:  dispatcher,
		Replay:      redisClient,
		ReplayTTL:   cfg.WebhookReplayTTL,
		Logger:      logger.With().Str("component", "webhook").Logger(),
	}
	healthHandler := health.Handler{Checker: health.Probes{Pool: pool, Redis: redisClient}}

	initRate, err := limiter.NewRateFromFormatted(cfg.InitRateLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse init rate limit")
	}
	limiterStore, err := limiterredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "rl:payinit"})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise limiter store")
	}
	initLimiter := mhttp.NewMiddleware(limiter.New(limiterStore, initRate))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(security.Headers{Enable: true}.Middleware)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	r.Use(obs.RoutePatternMiddleware)
	r.Use(obs.TracingMiddleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)

	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/payment", func(r chi.Router) {
		r.With(initLimiter.Handler).Post("/init", paymentHandler.Init)
		r.With(security.BodyLimit{Max: cfg.WebhookBodyLimit}.Middleware).Post("/webhook", webhook.Handle)
		r.Get("/status/{orderId}", paymentHandler.Status)
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("serve http")
		}
	}()

	<-stopCtx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown http server")
	}
	logger.Info().Msg("api stopped")
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
