package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"crm-board/config"
	"crm-board/storage"
	"crm-board/worker"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Execute stage changes queued by the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.ChangeQueue == "" {
				return errors.New("missing CHANGE_QUEUE")
			}
			svc, err := newServices(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			queue, err := storage.NewChangeQueue(cfg.StorageConnectionString, cfg.ChangeQueue)
			if err != nil {
				return fmt.Errorf("change queue: %w", err)
			}
			svc.watchLayout(cmd.Context())

			w := worker.New(queue, svc.board, worker.Options{
				PollInterval:  cfg.WorkerPollInterval,
				Visibility:    cfg.WorkerVisibilityDelay,
				ChangeTimeout: cfg.ChangeTimeout,
				Concurrency:   cfg.ChangeWorkers,
			})
			return w.Run(cmd.Context())
		},
	}
}
