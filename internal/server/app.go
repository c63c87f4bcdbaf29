package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"dropshelf-server/internal/access"
	"dropshelf-server/internal/auth"
	"dropshelf-server/internal/config"
	"dropshelf-server/internal/device"
	"dropshelf-server/internal/hub"
	"dropshelf-server/internal/metrics"
	"dropshelf-server/internal/middleware"
	"dropshelf-server/internal/pairing"
	"dropshelf-server/internal/tenant"
	"dropshelf-server/internal/tokenstore"
	"github.com/redis/go-redis/v9"
)

const cleanupInterval = time.Minute

// App owns the long-lived state behind the HTTP router.
type App struct {
	Handler http.Handler

	Tenants *tenant.Registry
	Devices *device.Registry
	Tokens  tokenstore.Store
	Metrics *metrics.Metrics

	logger   *slog.Logger
	redis    *redis.Client
	limiters []*middleware.RateLimiter

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// OpenRegistries opens the tenant and device registries under cfg.DataDir
// and links them for renames.
func OpenRegistries(cfg config.Config, logger *slog.Logger) (*tenant.Registry, *device.Registry, error) {
	tenants, err := tenant.Open(tenant.Options{
		Path:        cfg.TenantsPath(),
		StorageRoot: cfg.StorageRoot(),
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open tenants: %w", err)
	}
	devices, err := device.Open(device.Options{Path: cfg.DevicesPath(), Logger: logger}, tenants)
	if err != nil {
		return nil, nil, fmt.Errorf("open devices: %w", err)
	}
	tenants.AttachDevices(devices)
	return tenants, devices, nil
}

func openTokenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (tokenstore.Store, *redis.Client, error) {
	if cfg.TokenStore == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return tokenstore.NewRedisStore(client, "dropshelf:"), client, nil
	}
	s, err := tokenstore.NewFileStore(tokenstore.FileOptions{Path: cfg.TokensPath(), Logger: logger})
	if err != nil {
		return nil, nil, fmt.Errorf("open tokens: %w", err)
	}
	return s, nil, nil
}

func NewApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New(nil)

	tenants, devices, err := OpenRegistries(cfg, logger)
	if err != nil {
		return nil, err
	}
	tokens, rdb, err := openTokenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	h := hub.New(logger)
	pair := pairing.New(tokens, tenants, devices, pairing.Options{
		LoginTTL:    cfg.LoginTTL,
		TransferTTL: cfg.TransferTTL,
		Logger:      logger,
		Metrics:     m,
		Notifier:    h,
	})
	gate := access.New(tenants, devices, access.Options{Logger: logger, Metrics: m})

	session := auth.DefaultTokenConfig(cfg.SessionSecret)
	session.Expiry = cfg.SessionTTL
	cookies := middleware.Cookies{
		Session:      session,
		DeviceMaxAge: cfg.DeviceCookieMaxAge,
		Secure:       cfg.TLSEnabled(),
	}

	loginLimiter := middleware.NewRateLimiter(cfg.LoginRateLimit, time.Minute)
	unlockLimiter := middleware.NewRateLimiter(cfg.UnlockRateLimit, time.Minute)

	app := &App{
		Handler: NewRouter(Deps{
			Tenants:       tenants,
			Devices:       devices,
			Pairing:       pair,
			Gate:          gate,
			Hub:           h,
			Metrics:       m,
			Logger:        logger,
			Cookies:       cookies,
			PublicURL:     cfg.PublicURL,
			LoginLimiter:  loginLimiter,
			UnlockLimiter: unlockLimiter,
		}),
		Tenants:  tenants,
		Devices:  devices,
		Tokens:   tokens,
		Metrics:  m,
		logger:   logger,
		redis:    rdb,
		limiters: []*middleware.RateLimiter{loginLimiter, unlockLimiter},
		stop:     make(chan struct{}),
	}
	app.wg.Add(1)
	go app.sweepTokens()
	return app, nil
}

func (a *App) sweepTokens() {
	defer a.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			n, err := a.Tokens.Cleanup(context.Background())
			if err != nil {
				a.logger.Warn("token cleanup failed", "err", err)
			} else if n > 0 {
				a.logger.Debug("expired tokens removed", "count", n)
			}
		}
	}
}

func (a *App) Close() error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stop)
		a.wg.Wait()
		for _, l := range a.limiters {
			l.Close()
		}
		if a.redis != nil {
			err = a.redis.Close()
		}
	})
	return err
}
