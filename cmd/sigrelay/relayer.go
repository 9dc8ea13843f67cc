package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sigrelay/internal/bus"
	"sigrelay/internal/channel"
	"sigrelay/internal/relay"

	"github.com/spf13/cobra"
)

// drainTimeout bounds how long queued requests may keep the process alive
// after a shutdown signal.
const drainTimeout = 30 * time.Second

func relayerCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "relayer",
		Short: "Run the HTTP message API and relay queued messages",
		Long: `Starts the HTTP API (POST /message/{destination}) and the request
serializer. Requests are sent one at a time; each opens the session store,
watches incoming traffic for the grace window, sends and closes the session.
Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.API.Port = port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			receiver, err := a.receiver(false)
			if err != nil {
				return err
			}

			policy, err := channel.NewDestinationPolicy(cfg.API.AllowDestinations, cfg.API.DenyDestinations)
			if err != nil {
				return err
			}

			queue := bus.NewRequestQueue(cfg.Relay.QueueSize, cfg.Relay.EnqueueTimeout(), logger)
			serializer := relay.NewSerializer(queue, a.processor(receiver), logger)
			api := channel.NewMessageAPI(channel.APIConfig{
				Addr:    cfg.API.Addr(),
				APIKey:  cfg.API.APIKey,
				Queue:   queue,
				Events:  a.feed,
				Limiter: channel.NewRateLimiter(cfg.API.Burst, cfg.API.RatePerMinute),
				Policy:  policy,
				Metrics: cfg.API.Metrics,
				Logger:  logger,
			})

			apiDone := make(chan error, 1)
			go func() { apiDone <- api.Start(ctx) }()

			// The serializer outlives ctx so queued requests can drain.
			runCtx, cancelRun := context.WithCancel(context.Background())
			defer cancelRun()
			serDone := make(chan error, 1)
			go func() { serDone <- serializer.Run(runCtx) }()

			logger.Info("relayer started. Press Ctrl+C to stop.", "addr", cfg.API.Addr(), "gateway", cfg.Gateway.URL)

			var runErr error
			apiStopped := false
			select {
			case <-ctx.Done():
			case err := <-apiDone:
				apiStopped = true
				if err != nil {
					queue.Close()
					cancelRun()
					<-serDone
					return fmt.Errorf("message API: %w", err)
				}
			case err := <-serDone:
				// Only a fatal session error stops the serializer early.
				stop()
				<-apiDone
				queue.Close()
				return err
			}

			logger.Info("shutting down relayer...", "queued", queue.Len())
			queue.Close()
			if !apiStopped {
				<-apiDone
			}

			timer := time.NewTimer(drainTimeout)
			defer timer.Stop()
			select {
			case err := <-serDone:
				runErr = err
			case <-timer.C:
				logger.Warn("drain timed out, abandoning queued requests", "queued", queue.Len())
				cancelRun()
				runErr = ignoreCanceled(<-serDone)
			}
			if runErr == nil {
				logger.Info("shutdown complete")
			}
			return runErr
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides api.port)")
	return cmd
}
