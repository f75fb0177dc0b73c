package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"treasury/pkg/auth"
	"treasury/pkg/bus"
	"treasury/pkg/config"
	"treasury/pkg/engine"
	"treasury/pkg/hardening"
	"treasury/pkg/httpx"
	"treasury/pkg/logging"
	"treasury/pkg/metrics"
	"treasury/pkg/models"
	"treasury/pkg/notify"
	"treasury/pkg/ratelimit"
	"treasury/pkg/signer"
	"treasury/pkg/store"
	"treasury/pkg/telemetry"
)

const service = "treasuryd"

type Server struct {
	Engine       *engine.Engine
	Repo         *store.Repository
	Idempotency  *store.Idempotency
	Hub          *notify.Hub
	Metrics      *metrics.Registry
	Log          zerolog.Logger
	AuthMode     string
	AuthSecret   string
	AuthOptions  []auth.MiddlewareOption
	SignerKeys   auth.KeyStore
	RateLimiter  ratelimit.Limiter
	RatePerMin   int
	CORSOrigins  string
	WSOrigins    []string
	MaxBodyBytes int64
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	loadDotenv      = func() error { return godotenv.Load() }
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context, logger zerolog.Logger) (*store.Repository, func(), error) {
		pool, err := store.NewPostgresPool(ctx, store.PostgresConfigFromEnv(os.Getenv))
		if err != nil {
			return nil, nil, err
		}
		if env("MIGRATE_ON_START", "false") == "true" {
			if err := store.Migrate(ctx, pool, migrationsFS(), migrationLogf(logger)); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return store.NewRepository(pool), pool.Close, nil
	}
	openRedisFn = func(ctx context.Context) (*redis.Client, error) {
		return store.NewRedis(ctx, store.RedisConfigFromEnv(os.Getenv))
	}
	listenFn = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	_ = loadDotenv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		logFatalf("%s: %v", service, err)
	}
}

func run(ctx context.Context) error {
	logger := logging.New(service, env("LOG_LEVEL", "info"), env("LOG_FORMAT", "console"))
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "hs256")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            service,
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseURL:        env("DATABASE_URL", ""),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		JWTSecret:          env("JWT_SECRET", ""),
		SignerURL:          env("SIGNER_URL", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "SIGNER_TOKEN", Value: env("SIGNER_TOKEN", "")},
		},
	}); err != nil {
		return err
	}
	if strings.EqualFold(authMode, "off") && env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
		return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}

	shutdownTelemetry, err := initTelemetryFn(ctx, telemetry.ConfigFromEnv(service, os.Getenv), logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	cfg, err := config.Load(env("TREASURY_CONFIG", ""))
	if err != nil {
		return err
	}
	cfg.ApplyEnv(os.Getenv)

	var repo *store.Repository
	if env("DATABASE_URL", env("DATABASE_HOST", "")) != "" {
		r, closeDB, err := openDBFn(ctx, logger)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer closeDB()
		repo = r
	} else {
		logger.Warn().Msg("no database configured, state is kept in memory only")
	}

	var redisClient *redis.Client
	if env("REDIS_ADDR", "") != "" {
		redisClient, err = openRedisFn(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, falling back to in-memory cache and limits")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	reg := metrics.NewRegistry()
	hub := notify.NewHub()
	sinks := notify.Multi{hub, notify.LogNotifier{Logger: logger}, notify.MetricsNotifier{Registry: reg}}
	brokers := splitList(env("KAFKA_BROKERS", ""))

	g, gctx := errgroup.WithContext(ctx)
	if topic := env("KAFKA_EVENTS_TOPIC", ""); len(brokers) > 0 && topic != "" {
		producer, err := bus.NewKafkaProducer(brokers, topic)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer producer.Close()
		outbox := notify.NewOutbox(producer, envInt("EVENT_OUTBOX_SIZE", 4096), envDurationSec("EVENT_PUBLISH_TIMEOUT_SEC", 5), logger)
		g.Go(func() error { return outbox.Run(gctx) })
		sinks = append(sinks, outbox)
	}

	screening, closeScreening, err := buildScreening(brokers, logger)
	if err != nil {
		return err
	}
	defer closeScreening()

	deps := engine.Deps{
		Signer:    buildSigner(),
		Screening: screening,
		Notifier:  sinks,
		Metrics:   reg,
		Logger:    logger,
	}
	if repo != nil {
		deps.Persister = repo
	}
	eng, err := engine.New(cfg, deps)
	if err != nil {
		return err
	}
	if repo != nil {
		if err := repo.Restore(ctx, eng); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}

	signerKeys, err := buildSignerKeys()
	if err != nil {
		return err
	}
	s := &Server{
		Engine:       eng,
		Repo:         repo,
		Idempotency:  store.NewIdempotency(store.NewCache(ctx, redisClient), envDurationSec("IDEMPOTENCY_TTL_SEC", 86400)),
		Hub:          hub,
		Metrics:      reg,
		Log:          logger,
		AuthMode:     authMode,
		AuthSecret:   env("JWT_SECRET", ""),
		AuthOptions:  authOptions(),
		SignerKeys:   signerKeys,
		RatePerMin:   envInt("RATE_LIMIT_PER_MINUTE", 240),
		CORSOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
		WSOrigins:    splitList(env("WS_ALLOWED_ORIGINS", "")),
		MaxBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", httpx.MaxBodyBytes)),
	}
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}
	handler, err := s.routes()
	if err != nil {
		return err
	}

	if topic := env("KAFKA_SCREENING_TOPIC", ""); len(brokers) > 0 && topic != "" {
		consumer, err := bus.NewKafkaConsumer(bus.KafkaConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: env("KAFKA_GROUP_ID", service),
		})
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		defer consumer.Close()
		g.Go(func() error {
			return bus.Run(gctx, consumer, func(ctx context.Context, res models.ScreeningResult) error {
				_, err := eng.ApplyScreening(ctx, res, "screening:"+res.Provider)
				return err
			}, logger)
		})
	}
	g.Go(func() error {
		s.sweepLoop(gctx, envDurationSec("SWEEP_INTERVAL_SEC", 30))
		return nil
	})

	addr := env("ADDR", ":8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	g.Go(func() error {
		logger.Info().Str("addr", addr).Int("vaults", len(eng.VaultIDs())).Msg("treasuryd listening")
		if err := listenFn(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationSec("SHUTDOWN_TIMEOUT_SEC", 10))
		defer cancel()
		logger.Info().Msg("treasuryd shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) routes() (http.Handler, error) {
	authn, err := auth.Middleware(s.AuthMode, s.AuthSecret, s.AuthOptions...)
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(logging.RequestLogger(s.Log))
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(service))
	r.Get("/healthz", s.health)

	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Use(ratelimit.Middleware(s.RateLimiter, s.RatePerMin, callerKey))
		r.Use(s.idempotent)

		r.Get("/metrics", s.withRoles(s.Metrics.Handler(), auth.RoleOperator, auth.RoleAdmin))
		r.Get("/metrics/prometheus", s.withRoles(s.Metrics.PrometheusHandler(), auth.RoleOperator, auth.RoleAdmin))
		r.Get("/v1/stream", s.withRoles(s.streamEvents, auth.RoleOperator, auth.RoleAdmin))

		r.Post("/v1/vaults", s.withRoles(s.createVault, auth.RoleOperator, auth.RoleAdmin))
		r.Get("/v1/vaults", s.withRoles(s.listVaults, auth.RoleOperator, auth.RoleAdmin))
		r.Route("/v1/vaults/{vault}", func(r chi.Router) {
			op := func(h http.HandlerFunc) http.HandlerFunc { return s.withRoles(h, auth.RoleOperator, auth.RoleAdmin) }
			r.Get("/", op(s.getVault))
			r.Get("/balance", op(s.getBalance))
			r.Get("/governance", op(s.getGovernance))
			r.Get("/pending-count", op(s.getPendingCount))
			r.Get("/emergency", op(s.getEmergency))
			r.Post("/emergency", op(s.declareEmergency))
			r.Delete("/emergency", op(s.resolveEmergency))
			r.Get("/policies", op(s.getPolicies))
			r.Put("/policies/{class}", op(s.updatePolicy))
			r.Post("/fragments", op(s.depositFragments))
			r.Post("/confirmations", op(s.updateConfirmations))
			r.Get("/utxo", op(s.getUTXO))
			r.Get("/audit", op(s.getAudit))
			r.Post("/proposals", op(s.propose))
			r.Get("/proposals", op(s.listProposals))
			r.Route("/proposals/{id}", func(r chi.Router) {
				r.Get("/", op(s.getProposal))
				r.Get("/status", op(s.getTransactionStatus))
				r.Post("/approve", op(s.approve))
				r.Post("/compliance", op(s.complianceVerdict))
				r.Post("/reevaluate", op(s.reevaluate))
				r.Post("/timelock", op(s.checkTimeLock))
				r.Post("/execute", op(s.execute))
				r.Post("/cancel", op(s.cancel))
			})
		})

		r.Post("/v1/signer/callback", s.withRoles(s.signerCallback, auth.RoleSigner))
		r.Get("/v1/compliance/profiles/{subject}", s.withRoles(s.getProfile, auth.RoleOperator, auth.RoleAdmin, auth.RoleScreener))
		r.Post("/v1/compliance/profiles/{subject}", s.withRoles(s.upsertProfile, auth.RoleScreener, auth.RoleAdmin))
		r.Post("/v1/compliance/profiles/{subject}/{kind}", s.withRoles(s.applyScreening, auth.RoleScreener, auth.RoleAdmin))
	})
	return r, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "service": service, "vaults": len(s.Engine.VaultIDs())}
	if s.Repo != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Repo.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			httpx.WriteJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

// sweepLoop touches every vault so expiries and lapsed emergencies are
// committed even when nobody reads them.
func (s *Server) sweepLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, id := range s.Engine.VaultIDs() {
				if _, err := s.Engine.PendingCount(ctx, id); err != nil {
					s.Log.Warn().Err(err).Str("vault_id", id).Msg("sweep failed")
				}
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack lets the websocket upgrade take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.Method + " " + r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = r.Method + " " + rc.RoutePattern()
		}
		elapsed := time.Since(start)
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.ErrorCode(w, http.StatusUnauthorized, "unauthenticated", "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.ErrorCode(w, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		h(w, r)
	}
}

func callerKey(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p.Subject
	}
	return ""
}

func caller(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p.Subject
	}
	return "anonymous"
}

func authOptions() []auth.MiddlewareOption {
	return []auth.MiddlewareOption{
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))),
	}
}

func buildSigner() signer.Signer {
	url := env("SIGNER_URL", "")
	if url == "" {
		return nil
	}
	c := signer.NewHTTPClient(url, env("SIGNER_TOKEN", ""), time.Millisecond*time.Duration(envInt("SIGNER_TIMEOUT_MS", 5000)))
	c.Retries = envInt("SIGNER_RETRIES", c.Retries)
	return c
}

func buildSignerKeys() (auth.KeyStore, error) {
	switch strings.ToLower(env("SIGNER_KEYSTORE", "static")) {
	case "vault":
		return auth.VaultTransitKeyStore{
			Client:     telemetry.InstrumentClient(&http.Client{}),
			Addr:       env("VAULT_ADDR", ""),
			Token:      env("VAULT_TOKEN", ""),
			Namespace:  env("VAULT_NAMESPACE", ""),
			Transit:    env("VAULT_TRANSIT_MOUNT", "transit"),
			KeyPrefix:  env("VAULT_KEY_PREFIX", ""),
			Timeout:    time.Millisecond * time.Duration(envInt("VAULT_KEY_LOOKUP_TIMEOUT_MS", 1500)),
			MaxRetries: envInt("VAULT_KEY_LOOKUP_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("VAULT_KEY_LOOKUP_RETRY_DELAY_MS", 100)),
		}, nil
	default:
		raw := env("SIGNER_PUBLIC_KEYS", "")
		if raw == "" {
			return nil, nil
		}
		return auth.ParseStaticKeys(raw)
	}
}

// migrationLogf adapts the service logger to the migrator's printf hook.
func migrationLogf(logger zerolog.Logger) func(string, ...any) {
	return func(format string, args ...any) {
		logger.Info().Str("component", "migrate").Msgf(format, args...)
	}
}

func migrationsFS() fs.FS {
	if dir := env("MIGRATIONS_DIR", ""); dir != "" {
		return os.DirFS(dir)
	}
	return store.Migrations()
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
