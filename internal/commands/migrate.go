package commands

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"evalgo.org/gameforge/internal/logging"
	"evalgo.org/gameforge/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfg.Database.Driver != "postgres" {
		return errors.Newf("migrate needs the postgres driver, configured: %s", cfg.Database.Driver)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	dbCfg := cfg.Database
	dbCfg.AutoMigrate = false
	st, err := storage.New(ctx, dbCfg, logger)
	if err != nil {
		return errors.Wrap(err, "failed to initialize storage")
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return errors.Wrap(err, "migrate")
	}
	fmt.Println("✓ Schema is up to date")
	return nil
}
