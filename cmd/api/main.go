package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/invoiceledger/internal/api"
	"github.com/punchamoorthee/invoiceledger/internal/config"
	"github.com/punchamoorthee/invoiceledger/internal/docstore"
	"github.com/punchamoorthee/invoiceledger/internal/feed"
	"github.com/punchamoorthee/invoiceledger/internal/ledger"
	"github.com/punchamoorthee/invoiceledger/internal/logger"
	"github.com/punchamoorthee/invoiceledger/internal/oracle"
	"github.com/punchamoorthee/invoiceledger/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "invoiceledger",
		Short:         "Invoice funding and settlement ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	return cmd
}

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log := logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, log, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, cfg.DBSource)
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.SQLitePath)
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			pg, ok := st.(*store.PostgresStore)
			if !ok {
				log.Info("store migrates on open, nothing to do", "driver", cfg.StoreDriver)
				return nil
			}
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("schema applied")
			return nil
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the payment consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func openDocuments(ctx context.Context, cfg *config.Config, log *slog.Logger) (docstore.Store, error) {
	if !cfg.DocumentStoreEnabled() {
		log.Warn("no object store configured, documents are kept in memory")
		return docstore.NewMemoryStore(cfg.Minio.Bucket), nil
	}
	docs, err := docstore.NewMinioStore(cfg.MinioStoreConfig())
	if err != nil {
		return nil, err
	}
	if err := docs.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return docs, nil
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("unable to open store: %w", err)
	}
	defer st.Close()

	docs, err := openDocuments(ctx, cfg, log)
	if err != nil {
		return err
	}

	log.Warn("using the salted-hash credit verifier; scores are disclosed to the service")
	o := oracle.New(st, oracle.SaltedHashVerifier{},
		oracle.WithTiers(cfg.CreditTiers), oracle.WithLogger(log))
	l := ledger.New(st, o, ledger.WithPolicy(cfg.Policy()), ledger.WithLogger(log))

	payments := feed.NewChannelFeed(cfg.FeedBuffer)
	consumer := feed.NewConsumer(payments, l, feed.WithLogger(log))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.NewHandler(l, docs, payments, log)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "port", cfg.Port, "store", cfg.StoreDriver, "environment", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		payments.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
