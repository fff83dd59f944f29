package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"ptw.org/db"
	"ptw.org/internal/audit"
	"ptw.org/internal/auth"
	"ptw.org/internal/config"
	"ptw.org/internal/httpapi"
	"ptw.org/internal/ids"
	"ptw.org/internal/migrate"
	"ptw.org/internal/obs"
	"ptw.org/internal/permit"
	"ptw.org/internal/store/memory"
	"ptw.org/internal/store/pg"
)

var (
	version = "dev"
	commit  = "none"
)

type cli struct {
	config.Server `embed:""`

	Config  kong.ConfigFlag  `help:"Load configuration from a YAML file." env:"PTW_CONFIG"`
	Version kong.VersionFlag `help:"Print version and exit."`
}

// backend is everything the service needs from a store.
type backend interface {
	auth.UserStore
	permit.Store
	permit.Catalog
	audit.Appender
	httpapi.Pinger
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("ptw-api"),
		kong.Description("Wind turbine work permit service."),
		kong.Vars{"version": version},
		kong.Configuration(config.YAMLLoader, "/etc/ptw/api.yaml", "~/.config/ptw/api.yaml"),
	)

	log := obs.Setup(c.Dev)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &c.Server, log); err != nil {
		log.Fatal().Err(err).Msg("ptw-api stopped")
	}
}

func run(ctx context.Context, cfg *config.Server, log zerolog.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// A missing signing secret stops startup here.
	tokens, err := auth.NewTokenService(cfg.Auth.Secret,
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithTokenIssuer(cfg.Auth.Issuer),
	)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	if cfg.Tracing {
		shutdown, err := obs.InitTracing(ctx, "ptw-api", version)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("tracing shutdown")
			}
		}()
	}

	hasher := auth.NewHasher(auth.WithIterations(cfg.Auth.HashIterations))
	store, closeStore, err := openStore(ctx, cfg, hasher, log)
	if err != nil {
		return err
	}
	defer closeStore()

	sinks := []audit.Sink{audit.LogSink{Logger: log}}
	if cfg.Audit.Store {
		sinks = append(sinks, audit.StoreSink{Store: store})
	}
	if cfg.Audit.NATSURL != "" {
		nc, err := audit.ConnectNATS(cfg.Audit.NATSURL, "ptw-api")
		if err != nil {
			return err
		}
		defer drainNATS(nc, log)
		sinks = append(sinks, audit.NewNATSSink(nc, cfg.Audit.NATSSubject))
		log.Info().Str("url", nc.ConnectedUrlRedacted()).Str("subject", cfg.Audit.NATSSubject).Msg("audit events published to nats")
	}
	recorder := audit.NewRecorder(audit.Multi(sinks...), log)

	authSvc, err := auth.NewService(store, tokens,
		auth.WithHasher(hasher),
		auth.WithFailureDelay(cfg.Auth.FailureDelay),
		auth.WithLogger(log.With().Str("component", "auth").Logger()),
	)
	if err != nil {
		return fmt.Errorf("auth service: %w", err)
	}
	permits := permit.NewService(store,
		permit.WithCatalog(store),
		permit.WithAudit(recorder),
		permit.WithTracer(obs.Tracer()),
		permit.WithLogger(log.With().Str("component", "permit").Logger()),
	)

	probe := httpapi.ReadyProbe{Store: store}
	api := httpapi.New(authSvc, permits,
		httpapi.WithVersion(version),
		httpapi.WithLogger(log),
		httpapi.WithAudit(recorder),
		httpapi.WithReadyProbe(probe),
		httpapi.WithCORSOrigins(cfg.CORSOrigins...),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithLoginRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		httpapi.WithTrustedProxy(cfg.TrustProxy),
	)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Str("store", cfg.StoreType).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewHealthServer(probe, 5*time.Second, log)
		health.Register(grpcSrv)
		go health.Run(ctx)
		go func() {
			log.Info().Str("addr", cfg.GRPCListen).Msg("grpc health listening")
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Server, hasher *auth.Hasher, log zerolog.Logger) (backend, func(), error) {
	switch cfg.StoreType {
	case "postgres":
		store, err := pg.Open(cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.Postgres.AutoMigrate {
			if err := migrate.NewManager(store.DB(), db.FS, db.MigrationsDir, db.SeedsDir).Up(ctx); err != nil {
				_ = store.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info().Msg("migrations applied")
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store := memory.New()
		for _, site := range cfg.Bootstrap.Sites {
			store.AddSite(site)
		}
		if err := bootstrapAdmin(store, cfg.Bootstrap, hasher); err != nil {
			return nil, nil, err
		}
		log.Warn().Strs("sites", cfg.Bootstrap.Sites).Msg("using in-memory store; data is lost on restart")
		return store, func() {}, nil
	}
}

func bootstrapAdmin(store *memory.Store, b config.BootstrapFlags, hasher *auth.Hasher) error {
	if b.AdminPassword == "" {
		return nil
	}
	if err := auth.DefaultPasswordPolicy.Check(b.AdminPassword); err != nil {
		return fmt.Errorf("bootstrap admin password: %w", err)
	}
	hash, err := hasher.Hash(b.AdminPassword)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return store.AddUser(&auth.User{
		ID:               ids.NewAt(now),
		Username:         strings.TrimSpace(b.AdminUser),
		PasswordHash:     hash,
		Role:             auth.RoleAdmin,
		OperatorOfRecord: true,
		Sites:            b.Sites,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
}

func drainNATS(nc *nats.Conn, log zerolog.Logger) {
	if err := nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("nats drain")
	}
}
