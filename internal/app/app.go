package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/HyotekiMakoto/Short-Link-URL/internal/analytics"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/auth"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/backup"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/bulk"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/config"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/guest"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/identity"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/server"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/shortener"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/store"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/store/badgerstore"
	"github.com/HyotekiMakoto/Short-Link-URL/internal/store/pgstore"
)

// App holds the application dependencies and configuration.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *store.Store
	Redis    *redis.Client
	Sessions guest.SessionStore
	Server   *server.Server
}

// New initializes and returns a new App instance with all dependencies wired up.
func New(ctx context.Context) (*App, error) {
	if err := loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.App.LogLevel)
	logger.Info("starting application",
		"env", cfg.App.Environment,
		"version", cfg.Observability.ServiceVersion,
		"storage", cfg.Storage.Driver,
	)

	return Build(ctx, cfg, logger)
}

// Build wires every component from an already loaded configuration.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = st

	if err := a.setupSessions(ctx); err != nil {
		_ = a.Shutdown()
		return nil, err
	}

	loc, err := cfg.Links.Location()
	if err != nil {
		_ = a.Shutdown()
		return nil, err
	}

	clicks := analytics.NewEngine(st, &analytics.Config{Location: loc, Logger: logger})
	links := shortener.NewService(st, &shortener.ServiceConfig{
		Clicks:     clicks,
		SlugLength: cfg.Links.SlugLength,
		Logger:     logger,
	})
	users, err := identity.NewService(st, &identity.ServiceConfig{
		Hasher: identity.NewBcryptHasher(cfg.Auth.BcryptCost),
		Logger: logger,
	})
	if err != nil {
		_ = a.Shutdown()
		return nil, fmt.Errorf("failed to create identity service: %w", err)
	}

	issuer, err := auth.NewIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, nil)
	if err != nil {
		_ = a.Shutdown()
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	if err := ensureOwner(ctx, cfg, users, logger); err != nil {
		_ = a.Shutdown()
		return nil, err
	}

	guests := guest.NewPolicy(links, a.Sessions, &guest.PolicyConfig{Logger: logger})

	a.Server = server.New(cfg, logger, server.Handlers{
		Links: shortener.NewHandler(shortener.HandlerConfig{
			Service:       links,
			Guests:        guests,
			Stats:         clicks,
			Logger:        logger,
			BaseURL:       cfg.Server.BaseURL,
			SecureCookies: cfg.Server.SecureCookies,
		}),
		Identity: identity.NewHandler(identity.HandlerConfig{
			Service: users,
			Issuer:  issuer,
			Logger:  logger,
		}),
		Bulk:   bulk.NewHandler(bulk.NewImporter(links, logger), logger),
		Backup: backup.NewHandler(backup.NewService(st, logger), logger),
		Auth:   auth.Middleware(issuer, users, logger),
	})

	logger.Info("application initialized",
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
		"guest_sessions", cfg.Guest.SessionBackend,
	)
	return a, nil
}

// Start runs the server and background jobs until ctx is cancelled or the
// process receives SIGINT/SIGTERM.
func (a *App) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.Server.Start(ctx); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if mem, ok := a.Sessions.(*guest.MemorySessions); ok {
		g.Go(func() error {
			return mem.RunJanitor(ctx, a.Config.Guest.JanitorInterval)
		})
	}

	return g.Wait()
}

// Shutdown releases the store and the Redis client.
func (a *App) Shutdown() error {
	a.Logger.Info("shutting down application")

	var errs []error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		} else {
			a.Logger.Info("store closed")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) setupSessions(ctx context.Context) error {
	if a.Config.Guest.SessionBackend != config.SessionsRedis {
		a.Sessions = guest.NewMemorySessions(nil)
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Guest.RedisAddr,
		Password: a.Config.Guest.RedisPassword,
		DB:       a.Config.Guest.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	a.Logger.Info("redis connection established", "addr", a.Config.Guest.RedisAddr)
	a.Redis = client
	a.Sessions = guest.NewRedisSessions(client)
	return nil
}

// ensureOwner creates the bootstrap owner when one is configured.
func ensureOwner(ctx context.Context, cfg *config.Config, users identity.Service, logger *slog.Logger) error {
	if cfg.Auth.OwnerEmail == "" {
		return nil
	}

	u, created, err := users.EnsureOwner(ctx, cfg.Auth.OwnerEmail, cfg.Auth.OwnerPassword, cfg.Auth.OwnerName)
	if err != nil {
		return fmt.Errorf("failed to bootstrap owner: %w", err)
	}
	if created {
		logger.Info("bootstrap owner created", "user_id", u.ID, "email", u.Email)
	}
	return nil
}

// loadEnv loads .env file only in non-production environments.
func loadEnv() error {
	env := os.Getenv("APP_ENV")
	if env == "development" || env == "test" {
		if err := godotenv.Load(".env"); err != nil {
			log.Println("no .env file found.")
		}
	}
	return nil
}

// setupLogger creates a structured logger based on the log level.
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}

// openStore opens the configured backend and loads it into a store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	var backend store.Backend

	switch cfg.Storage.Driver {
	case config.DriverBadger:
		bcfg := badgerstore.DefaultConfig(cfg.Storage.BadgerPath)
		bcfg.Logger = logger
		b, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, err
		}
		logger.Info("badger store opened", "path", cfg.Storage.BadgerPath)
		backend = b

	case config.DriverPostgres:
		pool, err := connectDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		b, err := pgstore.Open(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		backend = b

	default:
		logger.Warn("using in-memory storage; data is lost on restart")
	}

	st, err := store.Open(ctx, backend, store.WithLogger(logger))
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}
	return st, nil
}

// connectDatabase establishes a connection to the PostgreSQL database.
func connectDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = cfg.Database.MinConns

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established")
	return pool, nil
}
