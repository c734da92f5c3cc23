// File Browser Server
//
// Features:
// - Per-user root folders behind opaque path tokens
// - CAS or OIDC single sign-on with provider logout
// - Sessions in memory, PostgreSQL or Redis
// - Local or S3 storage
// - Prometheus metrics & structured logging (zap)
// - Per-user rate limiting
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/api"
	"github.com/fruitsalade/filebrowser/internal/auth"
	"github.com/fruitsalade/filebrowser/internal/config"
	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/quota"
	"github.com/fruitsalade/filebrowser/internal/session"
	"github.com/fruitsalade/filebrowser/internal/storage"
	"github.com/fruitsalade/filebrowser/internal/storage/local"
	s3storage "github.com/fruitsalade/filebrowser/internal/storage/s3"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Output:     cfg.LogOutput,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("File Browser starting...",
		zap.String("version", cfg.AppVersion),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Bool("production", cfg.ProductionMode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	defer backend.Close()
	logging.Info("storage initialized", zap.String("backend", backend.Type()), zap.String("root", cfg.StorageRoot))

	// Initialize sessions
	store, cleanup, err := openSessionStore(ctx, cfg)
	if err != nil {
		logging.Fatal("session store init failed", zap.Error(err))
	}
	defer store.Close()
	sessions := session.NewManager(store, cfg.SessionSecret, cfg.SessionTTL, cfg.SecureCookies)
	logging.Info("session store initialized", zap.String("backend", cfg.SessionBackend), zap.Int("cache", cfg.SessionCache))

	// Initialize single sign-on
	provider, err := newProvider(ctx, cfg)
	if err != nil {
		logging.Fatal("auth provider init failed", zap.Error(err))
	}
	logging.Info("auth provider initialized", zap.String("provider", provider.Name()))

	rateLimiter := quota.NewRateLimiter(cfg.RequestsPerMin)

	// Create API server
	srv, err := api.NewServer(cfg, backend, sessions, provider, rateLimiter)
	if err != nil {
		logging.Fatal("server init failed", zap.Error(err))
	}

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	if cfg.MetricsAddr != "" {
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("graceful shutdown failed", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	// Start periodic cleanup (rate limiter buckets + expired sessions)
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rateLimiter.Cleanup(24 * time.Hour); n > 0 {
					logging.Debug("dropped idle rate limit buckets", zap.Int("count", n))
				}
				if cleanup != nil {
					if n, err := cleanup(ctx); err != nil {
						logging.Error("session cleanup failed", zap.Error(err))
					} else if n > 0 {
						logging.Info("cleaned expired sessions", zap.Int64("count", n))
					}
				}
			}
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr), zap.String("app_server", cfg.AppServer))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3storage.NewBackend(ctx, s3storage.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			RootPath:  cfg.StorageRoot,
		})
	case "local":
		return local.New(local.Config{RootPath: cfg.StorageRoot, CreateDirs: true})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// openSessionStore builds the configured store. Remote stores are fronted by
// an LRU cache. cleanup is non-nil when the store needs periodic purging.
func openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, func(context.Context) (int64, error), error) {
	switch cfg.SessionBackend {
	case "postgres":
		logging.Info("connecting to PostgreSQL...")
		pg, err := session.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return cached(pg, cfg), pg.CleanupExpired, nil
	case "redis":
		logging.Info("connecting to Redis...", zap.String("addr", cfg.RedisAddr))
		rs, err := session.NewRedisStore(ctx, session.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return cached(rs, cfg), nil, nil
	case "memory":
		return session.NewMemoryStore(time.Minute), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
}

func cached(next session.Store, cfg *config.Config) session.Store {
	if cfg.SessionCache <= 0 {
		return next
	}
	// A logout on another replica goes unseen here for at most this TTL.
	return session.NewCachedStore(next, cfg.SessionCache, 30*time.Second)
}

func newProvider(ctx context.Context, cfg *config.Config) (auth.Provider, error) {
	switch cfg.AuthProvider {
	case "oidc":
		return auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			IssuerURL:     cfg.OIDCIssuerURL,
			ClientID:      cfg.OIDCClientID,
			ClientSecret:  cfg.OIDCClientSecret,
			BaseURL:       cfg.BaseURL(),
			SecureCookies: cfg.SecureCookies,
		})
	case "cas":
		return auth.NewCASProvider(cfg.CASServer, cfg.AppServer, nil)
	default:
		return nil, fmt.Errorf("unknown auth provider %q", cfg.AuthProvider)
	}
}
