package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/overture-stack/score-int/internal/auth"
	"github.com/overture-stack/score-int/internal/cloud/providers/memory"
	"github.com/overture-stack/score-int/internal/cloud/providers/s3"
	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/config"
	httpx "github.com/overture-stack/score-int/internal/http"
	"github.com/overture-stack/score-int/internal/logging"
	"github.com/overture-stack/score-int/internal/server"
	"github.com/overture-stack/score-int/internal/services"
)

var serverFlagKeys = map[string]string{
	"listen":        "server.listen",
	"backend":       "backend.type",
	"part-size":     "upload.part-size",
	"session-store": "session.store",
	"log-level":     "log.level",
}

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the transfer server",
		Long: `Run the transfer server that plans uploads, presigns part URLs and
finalizes objects in the object store.

The s3 backend talks to any S3-compatible store. The memory backend keeps
objects in process and serves its own presigned URLs on memory.listen;
it is meant for development and tests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cfgFile)
			if err != nil {
				return err
			}
			if err := config.BindFlags(v, cmd.Flags(), serverFlagKeys); err != nil {
				return err
			}
			cfg, err := config.LoadServer(v)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := logging.NewServerLogger()
			if !verbose && !debug {
				logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
			}
			return runServer(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().String("listen", "", "Address to listen on (default :5431)")
	cmd.Flags().String("backend", "", "Object store backend: s3 or memory")
	cmd.Flags().Int64("part-size", 0, "Part size for new uploads in bytes")
	cmd.Flags().String("session-store", "", "Upload session store: memory or redis")
	return cmd
}

func runServer(ctx context.Context, cfg *config.ServerConfig, log *logging.Logger) error {
	store, stopStore, err := openObjectStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stopStore()

	svcCfg := services.Config{
		Store:      store,
		PartSize:   cfg.PartSize,
		DataPrefix: cfg.DataPrefix,
		Logger:     log,
	}
	var health func(context.Context) error
	switch cfg.Sessions {
	case config.SessionsRedis:
		sessions, err := services.NewRedisSessionStore(cfg.Redis)
		if err != nil {
			return err
		}
		defer sessions.Close()
		if err := sessions.Ping(ctx); err != nil {
			return fmt.Errorf("redis %s unreachable: %w", cfg.Redis.Addr, err)
		}
		svcCfg.Sessions = sessions
		health = sessions.Ping
	default:
		svcCfg.Sessions = services.NewMemorySessionStore()
	}

	uploads, err := services.NewUploadService(svcCfg)
	if err != nil {
		return err
	}
	downloads, err := services.NewDownloadService(svcCfg, cfg.SentinelID)
	if err != nil {
		return err
	}

	gate, err := newGate(cfg, log)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Listen:    cfg.Listen,
		Uploads:   uploads,
		Downloads: downloads,
		Gate:      gate,
		Logger:    log,
		Health:    health,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("listen", cfg.Listen).
		Str("backend", cfg.Backend).
		Str("sessions", cfg.Sessions).
		Int64("partSize", cfg.PartSize).
		Bool("auth", cfg.AuthEnabled).
		Msg("Starting transfer server")
	return srv.ListenAndServe(ctx)
}

// openObjectStore creates the configured backend. The returned func stops
// anything the backend started.
func openObjectStore(ctx context.Context, cfg *config.ServerConfig, log *logging.Logger) (storage.ObjectStore, func(), error) {
	if cfg.Backend != config.BackendMemory {
		store, err := s3.NewStore(ctx, cfg.S3, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create s3 store: %w", err)
		}
		return store, func() {}, nil
	}

	store := memory.New()
	if cfg.PresignExpiry > 0 {
		store.SetExpiry(cfg.PresignExpiry)
	}
	ln, err := net.Listen("tcp", cfg.MemoryListen)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", cfg.MemoryListen, err)
	}
	store.SetBaseURL("http://" + ln.Addr().String())
	if cfg.MemoryPublicURL != "" {
		store.SetPublicURL(cfg.MemoryPublicURL)
	}

	hs := &nethttp.Server{Handler: store, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.Error().Err(err).Msg("Memory object store stopped")
		}
	}()
	log.Warn().Str("listen", ln.Addr().String()).Msg("Using in-memory object store; objects are lost on exit")

	return store, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}, nil
}

func newGate(cfg *config.ServerConfig, log *logging.Logger) (*auth.Gate, error) {
	if !cfg.AuthEnabled {
		log.Warn().Msg("Authentication disabled; every request is allowed")
		return nil, nil
	}
	rc := httpx.NewRetryableClient(httpx.CreateOptimizedClient(httpx.ClientOptions{}), httpx.RetryableOptions{}, log)
	authn, err := auth.NewRemoteAuthenticator(cfg.Introspection, rc, log)
	if err != nil {
		return nil, err
	}
	gate := &auth.Gate{Authenticator: authn, Policy: cfg.Scopes, Logger: log}
	if cfg.MetadataURL != "" {
		resolver, err := auth.NewMetadataResolver(cfg.MetadataURL, rc)
		if err != nil {
			return nil, err
		}
		gate.Resolver = resolver
	}
	return gate, nil
}
