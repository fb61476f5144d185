package commands

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var debug bool

// Execute runs the command line until the command finishes or the process
// receives SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd().ExecuteContext(ctx)
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "crm-board",
		Short:        "Dashboard and task board backend for the CRM admin app",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
				debug = true
			}
			if debug {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging (also DEBUG=true)")

	root.AddCommand(serveCmd(), workerCmd(), initStorageCmd())
	return root
}
