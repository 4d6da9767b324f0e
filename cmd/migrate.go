package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"docrag/src/infrastructure/job"
	"docrag/src/infrastructure/log"
	"docrag/src/storage/minioctrl"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the vector store schema, the job table and the attachments bucket",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB(db)

	store, err := newStore(db)
	if err != nil {
		return err
	}
	if err := store.migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate %s store: %w", store.backend, err)
	}
	log.Info("vector store ready", "backend", store.backend)

	if err := job.NewPostgresJobRepository(db).Migrate(ctx); err != nil {
		return err
	}
	log.Info("job table ready")

	mc, err := newMinio()
	if err != nil {
		return err
	}
	if mc != nil {
		if err := mc.EnsureBucketExists(ctx, minioctrl.AttachmentsBucket); err != nil {
			return err
		}
		log.Info("attachments bucket ready", "endpoint", viper.GetString("minio.endpoint"))
	}
	return nil
}
