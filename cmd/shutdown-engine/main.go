// Command shutdown-engine runs one forward shutdown/migration plan to
// completion: it loads the plan file named by its single argument,
// connects to the controller, and drives the shutdown engine (C7).
// Exits 0 on clean completion (including plans that recorded
// MIGRATION_ERROR events along the way); non-zero only on configuration
// or durability failure, per the error taxonomy.
package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/upstra/orchestrator/database"
	"github.com/upstra/orchestrator/eventlog"
	"github.com/upstra/orchestrator/plan"
	"github.com/upstra/orchestrator/shutdown"
	"github.com/upstra/orchestrator/vault"
	"github.com/upstra/orchestrator/vcenter"
)

var (
	debug       bool
	dbHost      string
	dbPort      int
	dbName      string
	dbUser      string
	dbPass      string
	pointerPath string
)

var rootCmd = &cobra.Command{
	Use:   "shutdown-engine <plan-file>",
	Short: "Execute a power-failure shutdown/migration plan",
	Args:  cobra.ExactArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debug {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dbHost, "db-host", "localhost", "Database host")
	rootCmd.PersistentFlags().IntVar(&dbPort, "db-port", 3306, "Database port")
	rootCmd.PersistentFlags().StringVar(&dbName, "db-name", "upstra", "Database name")
	rootCmd.PersistentFlags().StringVar(&dbUser, "db-user", "upstra", "Database user")
	rootCmd.PersistentFlags().StringVar(&dbPass, "db-pass", "", "Database password")
	rootCmd.PersistentFlags().StringVar(&pointerPath, "run-pointer", "/var/lib/upstra/run_id", "Path to the active-run pointer file")
}

func run(ctx context.Context, planPath string) error {
	v, err := vault.NewFromEnv("ENCRYPTION_KEY")
	if err != nil {
		return fmt.Errorf("shutdown-engine: %w", err)
	}

	loadedPlan, err := plan.Load(planPath, v)
	if err != nil {
		return fmt.Errorf("shutdown-engine: failed to load plan: %w", err)
	}

	conn, err := database.NewMariaDBConnection(&database.MariaDBConfig{
		Host: dbHost, Port: dbPort, Database: dbName, Username: dbUser, Password: dbPass,
	})
	if err != nil {
		return fmt.Errorf("shutdown-engine: failed to connect to database: %w", err)
	}
	defer conn.Close()

	elog := eventlog.New(conn, v, pointerPath)
	vc := vcenter.New(loadedPlan.Controller)
	engine := shutdown.New(vc, elog, nil)

	return engine.Run(ctx, loadedPlan)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("shutdown-engine failed")
		os.Exit(1)
	}
}
