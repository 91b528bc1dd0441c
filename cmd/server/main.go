// Package main is the entry point for the querydesk HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"querydesk/internal/app"
	"querydesk/internal/config"
	"querydesk/internal/db"
	"querydesk/internal/db/repository"
	"querydesk/internal/domain"
	"querydesk/internal/middleware"
	"querydesk/internal/observability"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "querydesk",
		Short:         "Ad-hoc query execution and result delivery service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.LoadDotEnv(envFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	rootCmd.AddCommand(newServeCmd(), newMigrateCmd(), newAPIKeyCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply metadata database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			logger := observability.NewLogger(os.Stderr, cfg.SlogLevel(), cfg.LogFormat)
			writeDB, readDB, err := db.OpenSQLitePair(cfg.MetaDBPath, 1)
			if err != nil {
				return err
			}
			defer readDB.Close()  //nolint:errcheck
			defer writeDB.Close() //nolint:errcheck
			if err := db.RunMigrations(writeDB); err != nil {
				return err
			}
			version, err := db.MigrationVersion(cmd.Context(), writeDB)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "path", cfg.MetaDBPath, "version", version)
			return nil
		},
	}
}

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys stored in the metadata database",
	}

	var (
		user string
		name string
		ttl  time.Duration
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := domain.CreateAPIKeyRequest{UserID: user, Name: name}
			now := time.Now().UTC()
			if ttl > 0 {
				exp := now.Add(ttl)
				req.ExpiresAt = &exp
			}
			if err := req.Validate(); err != nil {
				return err
			}
			raw, err := middleware.GenerateAPIKey()
			if err != nil {
				return err
			}
			return withAPIKeyRepo(func(repo *repository.APIKeyRepo) error {
				key := &domain.APIKey{
					ID:        domain.NewID(),
					UserID:    req.UserID,
					Name:      req.Name,
					KeyPrefix: raw[:8],
					KeyHash:   middleware.HashAPIKey(raw),
					ExpiresAt: req.ExpiresAt,
					CreatedAt: now,
				}
				if err := repo.Create(cmd.Context(), key); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", key.ID, raw)
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&user, "user", "", "user id the key authenticates as")
	createCmd.Flags().StringVar(&name, "name", "", "label for the key")
	createCmd.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime (0 = no expiry)")

	var listUser string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAPIKeyRepo(func(repo *repository.APIKeyRepo) error {
				keys, err := repo.ListForUser(cmd.Context(), listUser)
				if err != nil {
					return err
				}
				for _, k := range keys {
					expires := "never"
					if k.ExpiresAt != nil {
						expires = k.ExpiresAt.Format(time.RFC3339)
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s...\texpires=%s\n", k.ID, k.Name, k.KeyPrefix, expires)
				}
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&listUser, "user", "", "user id")

	revokeCmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPIKeyRepo(func(repo *repository.APIKeyRepo) error {
				return repo.Delete(cmd.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(createCmd, listCmd, revokeCmd)
	return cmd
}

func withAPIKeyRepo(fn func(*repository.APIKeyRepo) error) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	writeDB, readDB, err := db.OpenSQLitePair(cfg.MetaDBPath, 1)
	if err != nil {
		return err
	}
	defer readDB.Close()  //nolint:errcheck
	defer writeDB.Close() //nolint:errcheck
	if err := db.RunMigrations(writeDB); err != nil {
		return err
	}
	return fn(repository.NewAPIKeyRepo(writeDB, readDB))
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.NewLogger(os.Stderr, cfg.SlogLevel(), cfg.LogFormat)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := app.Deps{Cfg: cfg, Logger: logger}
	if app.NeedsMetaDB(cfg) {
		writeDB, readDB, err := db.OpenSQLitePair(cfg.MetaDBPath, 4)
		if err != nil {
			return fmt.Errorf("open metadata db: %w", err)
		}
		defer readDB.Close()  //nolint:errcheck
		defer writeDB.Close() //nolint:errcheck
		if err := db.RunMigrations(writeDB); err != nil {
			return fmt.Errorf("migrate metadata db: %w", err)
		}
		deps.WriteDB, deps.ReadDB = writeDB, readDB
		logger.Info("metadata database ready", "path", cfg.MetaDBPath)
	}

	application, err := app.New(ctx, deps)
	if err != nil {
		return err
	}
	defer application.Close() //nolint:errcheck
	if err := application.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           application.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tls := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
		scheme := "http"
		if tls {
			scheme = "https"
		}
		logger.Info("HTTP API listening", "addr", cfg.ListenAddr, "tls", tls)
		logger.Info("try: curl -H 'X-API-Key: <key>' " + scheme + "://" + curlHostForListenAddr(cfg.ListenAddr) + "/run/policy")

		var err error
		if tls {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// curlHostForListenAddr turns a listen address into a host:port usable in a
// curl example. Wildcard and empty hosts become localhost.
func curlHostForListenAddr(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
