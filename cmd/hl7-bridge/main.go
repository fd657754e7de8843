package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/domain/delivery"
	"github.com/ehr/hl7bridge/internal/platform/auth"
	"github.com/ehr/hl7bridge/internal/platform/db"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/internal/translate"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hl7-bridge",
		Short:         "HL7v2 to FHIR message bridge",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(translateCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MLLP and HL7-over-HTTP listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func translateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "translate <file>",
		Short: "Translate an HL7v2 message and print the FHIR bundles",
		Long:  "Translate reads one ER7-encoded message (\"-\" for stdin) and prints the message bundles that would be delivered. Nothing is sent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			msg, err := hl7v2.Parse(raw)
			if err != nil {
				return fmt.Errorf("parse message: %w", err)
			}

			dest, _ := cmd.Flags().GetString("destination")
			bundles, err := translate.New(translate.WithDestination(dest)).Translate(msg)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(bundles)
		},
	}
	cmd.Flags().String("destination", "", "MessageHeader.destination endpoint")
	return cmd
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <addr> <file>",
		Short: "Send an HL7v2 message over MLLP and print the acknowledgment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			if _, err := hl7v2.Parse(raw); err != nil {
				return fmt.Errorf("parse message: %w", err)
			}

			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			reply, err := hl7v2.SendMLLP(ctx, args[0], raw)
			if err != nil {
				return err
			}
			return printAck(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().Duration("timeout", 30*time.Second, "Time to wait for the acknowledgment")
	return cmd
}

// printAck writes the reply one segment per line, then fails when the
// acknowledgment code is not AA so scripts can check the exit status.
func printAck(w io.Writer, reply []byte) error {
	fmt.Fprintln(w, strings.TrimRight(strings.ReplaceAll(string(reply), "\r", "\n"), "\n"))
	ack, err := hl7v2.Parse(reply)
	if err != nil {
		return fmt.Errorf("parse acknowledgment: %w", err)
	}
	if code := hl7v2.AckCodeOf(ack); code != hl7v2.AckAccept {
		return fmt.Errorf("message not accepted: %s", code)
	}
	return nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return raw, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Delivery journal migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := delivery.Migrate(ctx, pool)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, delivery.Migrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <sender>",
		Short: "Generate an inbound API key for a sender",
		Long:  "Keygen prints a new raw key for the sender and the INBOUND_API_KEYS entry to configure. Only the entry is needed by the bridge; hand the raw key to the sender.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := auth.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "key:   %s\n", raw)
			fmt.Fprintf(w, "entry: %s:%s\n", args[0], auth.HashKey(raw))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hl7-bridge %s\n", version)
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to database")
			return err
		}
		defer pool.Close()

		applied, err := delivery.Migrate(ctx, pool)
		if err != nil {
			logger.Error().Err(err).Msg("failed to migrate delivery journal")
			return err
		}
		logger.Info().Int("applied", applied).Msg("connected to database")
	} else {
		logger.Info().Msg("DATABASE_URL not set, delivery journal kept in memory")
	}

	srv, err := newServer(ctx, cfg, logger, pool)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build server")
		return err
	}

	if srv.mllp != nil {
		if err := srv.mllp.Start(); err != nil {
			logger.Error().Err(err).Msg("failed to start MLLP listener")
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Bool("tls", cfg.TLSEnabled).
			Str("policy", string(cfg.Policy())).
			Msg("starting server")

		var err error
		if cfg.TLSEnabled {
			err = srv.echo.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		if srv.mllp != nil {
			srv.mllp.Stop()
		}
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	var shutdownErr error
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		shutdownErr = err
	}
	if srv.mllp != nil {
		if err := srv.mllp.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("mllp shutdown failed")
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	if shutdownErr != nil {
		return shutdownErr
	}
	logger.Info().Msg("server stopped")
	return nil
}
