// ABOUTME: Gateway orchestrator that wires the chat core to its HTTP, WebSocket and gRPC surfaces
// ABOUTME: Owns the store, caches, presence and delivery engine and manages their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/huddle/internal/auth"
	"github.com/2389/huddle/internal/chat"
	"github.com/2389/huddle/internal/config"
	"github.com/2389/huddle/internal/conversation"
	"github.com/2389/huddle/internal/metrics"
	"github.com/2389/huddle/internal/msgcache"
	"github.com/2389/huddle/internal/presence"
	"github.com/2389/huddle/internal/realtime"
	"github.com/2389/huddle/internal/store"
)

// HealthService is the gRPC health service name that tracks cache health.
const HealthService = "huddle.cache"

// healthCheckInterval is how often the gRPC health status is refreshed.
const healthCheckInterval = 5 * time.Second

// Gateway orchestrates the huddle server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	registry *conversation.Registry
	metrics  *metrics.Collector
	cache    *msgcache.Cache
	chat     *chat.Service
	presence *presence.Manager
	engine   *realtime.Engine
	verifier *auth.JWTVerifier

	// redis backs the presence mirror; nil when disabled
	redis *redis.Client

	promRegistry *prometheus.Registry
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server
	upgrader     websocket.Upgrader
}

// initStore opens the durable store selected by the database config.
func initStore(cfg *config.Config) (store.Store, error) {
	target := cfg.Database.Path
	if cfg.Database.Driver == store.DriverPostgres {
		target = cfg.Database.DSN
	}
	s, err := store.Open(cfg.Database.Driver, target)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initRedis connects the presence mirror client when enabled.
func initRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// resolveNodeID returns the configured node ID or the hostname.
func resolveNodeID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fmt.Sprintf("huddle-%d", time.Now().UnixNano()%1000000)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = initRedis(context.Background(), cfg.Redis)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	gw, err := newGateway(cfg, s, redisClient, logger)
	if err != nil {
		_ = s.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}
	return gw, nil
}

// newGateway wires every component over an already opened store.
func newGateway(cfg *config.Config, s store.Store, redisClient *redis.Client, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	registry, err := conversation.NewRegistry(s, conversation.Config{
		LookupTimeout: cfg.Registry.LookupTimeout,
		IndexSize:     cfg.Registry.IndexSize,
		IndexTTL:      cfg.Registry.IndexTTL,
	}, logger)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(cfg.Cache.ErrorThreshold)
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector.Register(promRegistry)

	cache, err := msgcache.New(cfg.Cache.MaxEntries, collector, logger)
	if err != nil {
		return nil, err
	}

	chatSvc := chat.New(s, registry, cache, cfg.Realtime.PersistTimeout, logger)

	var mirror presence.Mirror
	if redisClient != nil {
		nodeID := resolveNodeID(cfg.Redis.NodeID)
		mirror = presence.NewRedisMirror(redisClient, nodeID, cfg.Redis.PresenceTTL)
		logger.Info("presence mirror enabled", "redis_addr", cfg.Redis.Addr, "node_id", nodeID)
	}
	presenceMgr := presence.NewManager(registry, mirror, logger)

	engine := realtime.New(chatSvc, registry, presenceMgr, collector, realtime.Config{
		QueueSize:      cfg.Realtime.SendQueueSize,
		DeliveryPolicy: realtime.DeliveryPolicy(cfg.Realtime.DeliveryPolicy),
		TypingInterval: cfg.Realtime.TypingInterval,
	}, logger)

	gw := &Gateway{
		config:       cfg,
		store:        s,
		logger:       logger.With("component", "gateway"),
		registry:     registry,
		metrics:      collector,
		cache:        cache,
		chat:         chatSvc,
		presence:     presenceMgr,
		engine:       engine,
		verifier:     verifier,
		redis:        redisClient,
		promRegistry: promRegistry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	gw.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	gw.health = health.NewServer()
	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)
	gw.updateHealth()

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the API, WebSocket and health routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.registerRoutes(mux)
	return mux
}

// Verifier returns the JWT verifier, used by tooling that mints tokens.
func (g *Gateway) Verifier() *auth.JWTVerifier {
	return g.verifier
}

// setupListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// Run starts the gateway servers and blocks until the context is canceled
// or a server fails, then shuts everything down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners()
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		group.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		g.watchHealth(groupCtx)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return group.Wait()
}

// watchHealth keeps the gRPC health status in step with the collector.
func (g *Gateway) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.updateHealth()
		}
	}
}

func (g *Gateway) updateHealth() {
	status := healthpb.HealthCheckResponse_SERVING
	if !g.metrics.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus(HealthService, status)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, closes every live connection and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	// Hijacked WebSocket connections are not tracked by http.Server.
	g.presence.DisconnectAll(ctx)
	g.engine.Close()

	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
