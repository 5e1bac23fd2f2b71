package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/r3e-network/soar-core/internal/app"
	"github.com/r3e-network/soar-core/internal/domain"
	"github.com/r3e-network/soar-core/internal/platform/database"
	"github.com/r3e-network/soar-core/internal/store/postgres"
	"github.com/r3e-network/soar-core/pkg/config"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "soar-core",
	Short:   "soar-core runs the security orchestration, automation and response execution engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("soar-core %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "", "path to a YAML configuration file (defaults to $CONFIG_FILE or configs/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(replayCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event bus, trigger engine, job queue worker pool, and live progress channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		a, err := app.New(cfg)
		if err != nil {
			return fmt.Errorf("build app: %w", err)
		}

		ctx := context.Background()
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start app: %w", err)
		}
		fmt.Printf("soar-core listening on %s:%d\n", cfg.Server.Host, cfg.Server.Port)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stop app: %w", err)
		}
		fmt.Println("shutdown complete")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := database.Open(ctx, cfg.Database.ConnectionString())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		if err := postgres.Migrate(db); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay STREAM_ID",
	Short: "Re-publish a previously stored event by its durable stream id, for operator-driven redelivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var streamID int64
		if _, err := fmt.Sscanf(args[0], "%d", &streamID); err != nil {
			return fmt.Errorf("invalid stream id %q: %w", args[0], err)
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := database.Open(ctx, cfg.Database.ConnectionString())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		store := postgres.New(db)
		event, err := store.GetEvent(ctx, streamID)
		if err != nil {
			return fmt.Errorf("load event %d: %w", streamID, err)
		}

		replayed := domain.Event{
			Type:           event.Type,
			EntityID:       event.EntityID,
			EntityType:     event.EntityType,
			OrganizationID: event.OrganizationID,
			Data:           event.Data,
		}
		newID, err := store.Append(ctx, replayed)
		if err != nil {
			return fmt.Errorf("re-publish event %d: %w", streamID, err)
		}
		fmt.Printf("replayed event %d as new stream position %d\n", streamID, newID)
		return nil
	},
}
