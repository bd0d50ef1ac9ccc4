package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/mats/internal/events"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print job events published to NATS",
	Long:  "Subscribe to the job event subjects and print each finished job as one JSON line until interrupted.",
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Events.NATSURL == "" {
		return fmt.Errorf("events.nats_url is not configured")
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	nc, err := events.Connect(events.Options{
		URL:           cfg.Events.NATSURL,
		ClientName:    "mats-watch",
		SubjectPrefix: cfg.Events.SubjectPrefix,
	}, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(cmd.OutOrStdout())
	return nc.Subscribe(ctx, func(ev events.JobEvent) {
		if err := enc.Encode(ev); err != nil {
			logger.WithError(err).Error("Failed to print job event")
		}
	})
}
