package commands

import (
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"crm-board/storage"
)

func initStorageCmd() *cobra.Command {
	var connStr, table, queue string
	cmd := &cobra.Command{
		Use:   "init-storage",
		Short: "Create the change journal table and change queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if connStr == "" || table == "" || queue == "" {
				return errors.New("connection string, table and queue are required")
			}
			if err := storage.Provision(cmd.Context(), connStr, table, queue); err != nil {
				return err
			}
			log.Info("storage initialized")
			return nil
		},
	}
	cmd.Flags().StringVar(&connStr, "connection-string", os.Getenv("STORAGE_CONNECTION_STRING"), "Azure storage connection string")
	cmd.Flags().StringVar(&table, "table", os.Getenv("CHANGES_TABLE"), "change journal table name")
	cmd.Flags().StringVar(&queue, "queue", os.Getenv("CHANGE_QUEUE"), "change queue name")
	return cmd
}
