package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync continuously on server push notifications",
	Long: `Watch connects to the server's push channel and runs a sync cycle
whenever the server reports new changes. Runs until interrupted.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		printWarning("\nStopping watch...")
		cancel()
	}()

	apiClient.SetDelegate(&cliDelegate{})
	printInfo("Watching for server changes (ctrl-c to stop)")

	err := apiClient.WatchRemote(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
