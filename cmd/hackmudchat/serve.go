package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hpwn/hackmudchat/internal/config"
	"github.com/hpwn/hackmudchat/internal/configreporter"
	httpapi "github.com/hpwn/hackmudchat/internal/http"
	"github.com/hpwn/hackmudchat/internal/ingest"
	"github.com/hpwn/hackmudchat/internal/storage"
	redisstore "github.com/hpwn/hackmudchat/internal/storage/redis"
	"github.com/hpwn/hackmudchat/internal/storage/sqlite"
	"github.com/hpwn/hackmudchat/routes"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll chat, archive it, and relay it over HTTP and websockets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			if addr != "" {
				rt.cfg.HTTPAddr = addr
			}
			return rt.serve(cmd)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HACKMUD_HTTP_ADDR)")
	return cmd
}

func (rt *runtime) serve(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg := rt.cfg
	logger := rt.logger

	summary, _ := configreporter.NewReporter(*cfg).SummaryJSON()
	logger.Info("config: effective settings", slog.String("summary", string(summary)))

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(context.Background()); err != nil {
				logger.Warn("storage: close error", slog.Any("error", err))
			}
		}()
	}

	c, err := rt.session(cmd)
	if err != nil {
		return err
	}

	if store != nil {
		archiver := ingest.NewArchiver(store, ingest.Config{Attempts: cfg.ArchiveAttempts, Logger: logger})
		c.Subscribe(archiver.Handle)
	}

	routes.InitRoutes(routes.Deps{
		Store:          store,
		Relay:          c,
		Sender:         c,
		AllowedOrigins: cfg.AllowedOrigins,
		Websocket: routes.WebsocketLimits{
			PingInterval:  cfg.WSPingInterval,
			PongWait:      cfg.WSPongWait,
			WriteDeadline: cfg.WSWriteDeadline,
			MaxMessage:    cfg.WSMaxMessage,
			History:       cfg.WSHistory,
		},
		Logger: logger,
	})

	r := mux.NewRouter()
	routes.SetupChatRoutes(r)
	routes.SetupMessageRoutes(r)
	routes.SetupSendRoutes(r)

	rootMux := http.NewServeMux()
	httpapi.RegisterHealth(rootMux, c.Err)
	httpapi.RegisterConfigz(rootMux, configreporter.NewReporter(*cfg).Snapshot)
	httpapi.RegisterMetrics(rootMux)
	rootMux.Handle("/", r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           corsHandler(cfg.AllowedOrigins)(rootMux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http: listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-c.Done():
		runErr = c.Err()
		logger.Error("poller stopped", slog.Any("error", runErr))
	case err := <-serveErr:
		runErr = fmt.Errorf("http: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http: shutdown error", slog.Any("error", err))
	}
	return runErr
}

// openStore returns the configured archive, or nil when archiving is off.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var store storage.Store
	switch cfg.StoreDriver {
	case config.DriverNone:
		logger.Info("storage: archiving disabled")
		return nil, nil
	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("storage: parse redis url: %w", err)
		}
		store = redisstore.New(redisstore.Config{
			Client: redis.NewClient(opts),
			Stream: cfg.RedisStream,
			MaxLen: cfg.RedisMaxLen,
			Logger: logger,
		})
	default:
		sqliteCfg := cfg.SQLite()
		sqliteCfg.Logger = logger
		store = sqlite.New(sqliteCfg)
	}

	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("storage: init %s: %w", cfg.StoreDriver, err)
	}
	logger.Info("storage: ready", slog.String("driver", cfg.StoreDriver))
	return store, nil
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	opts := []handlers.CORSOption{
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.ExposedHeaders([]string{"Link"}),
	}
	if len(origins) > 0 {
		opts = append(opts, handlers.AllowedOrigins(origins), handlers.AllowCredentials())
	}
	return handlers.CORS(opts...)
}
