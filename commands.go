package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gridsync/internal/app"
	"gridsync/internal/bus"
	"gridsync/internal/demo"
	"gridsync/internal/grid"
	"gridsync/internal/models"
	"gridsync/internal/sink"
)

func newRunCmd() *cobra.Command {
	var (
		withDemo  bool
		syncPause time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			logger.Info("Starting gridsync...")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				logger.Errorf("Failed to start: %v", err)
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Errorf("Shutdown error: %v", err)
				}
				logger.Info("gridsync stopped")
			}()

			if err := a.Start(ctx); err != nil {
				logger.Errorf("Failed to attach sync bridge: %v", err)
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			errChan := make(chan error, 1)
			if withDemo {
				go func() {
					runner := a.Demo(syncPause)
					defer runner.Close()
					if err := runner.RunAll(ctx); err != nil {
						errChan <- fmt.Errorf("demonstration failed: %w", err)
						return
					}
					logger.Info("Demonstrations finished, press Ctrl+C to stop")
				}()
			}

			select {
			case sig := <-sigChan:
				logger.Infof("Received signal: %v, shutting down...", sig)
				cancel()
			case err := <-errChan:
				logger.Errorf("Demo error: %v", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withDemo, "demo", false, "run the sample workloads after startup")
	cmd.Flags().DurationVar(&syncPause, "sync-pause", time.Second, "delay between synchronized puts in the demo")
	return cmd
}

func newReceiveCmd() *cobra.Command {
	var (
		maxMessages int
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Drain and log messages from the event bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if !cfg.Bus.Enabled() {
				return fmt.Errorf("bus.url is not configured")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := bus.NewPublisher(ctx, cfg.Bus, logger)
			if err != nil {
				return err
			}
			defer p.Close()

			n, err := p.Receive(ctx, maxMessages, timeout, func(env *models.Envelope, headers map[string]string) error {
				switch {
				case env.System != nil:
					logger.Infof("Received system event %s [%s] %s: %s", env.ID, env.System.Level, env.System.Component, env.System.Message)
				case env.User != nil:
					logger.Infof("Received user event %s %s by %s: %s", env.ID, env.User.Action, env.User.UserID, env.User.Details)
				}
				if len(env.Metadata) > 0 {
					logger.Debugf("Metadata: %v", env.Metadata)
				}
				return nil
			})
			if err != nil {
				return err
			}
			logger.Infof("Received %d messages", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxMessages, "max", 10, "maximum number of messages to receive")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for each batch")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify database permissions and bus connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := context.Background()
			failed := false

			if cfg.Database.Enabled() {
				s, err := sink.Open(ctx, cfg.Database, logger)
				if err != nil {
					logger.Errorf("Database check failed: %v", err)
					failed = true
				} else {
					if err := sink.NewChecker(s, logger).Check(ctx, cfg.Bridge.Table); err != nil {
						logger.Errorf("Database check failed: %v", err)
						failed = true
					}
					s.Close()
				}
			} else {
				logger.Info("Database not configured, skipping")
			}

			if cfg.Bus.Enabled() {
				p, err := bus.NewPublisher(ctx, cfg.Bus, logger)
				if err == nil {
					err = p.Ping(ctx)
					p.Close()
				}
				if err != nil {
					logger.Errorf("Event bus check failed: %v", err)
					failed = true
				} else {
					logger.Info("Event bus connection verified")
				}
			} else {
				logger.Info("Event bus not configured, skipping")
			}

			if failed {
				return fmt.Errorf("connectivity check failed")
			}
			logger.Info("All checks passed")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a standalone grid member that other instances join",
		Long: `
	serve starts a grid member listening on grid.listen. Other instances join
	it with grid.mode=nats and grid.address set to the member's client URL.
	The maps in grid.maps are created with their expiry settings on startup.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Grid.Listen = listen
			}
			logger.Info("Starting grid member...")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, err := grid.Serve(ctx, cfg.Grid, logger)
			if err != nil {
				logger.Errorf("Failed to start grid member: %v", err)
				return err
			}
			names := make([]string, 0, len(cfg.Grid.Maps))
			for _, m := range cfg.Grid.Maps {
				names = append(names, m.Name)
			}
			logger.Infof("Cluster name: %s", cfg.Grid.ClusterName)
			logger.Infof("Member name: %s", cfg.Grid.MemberName)
			logger.Infof("Configured maps: %v", names)

			<-ctx.Done()
			logger.Info("Shutting down grid member...")
			return g.Close()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "client address to listen on, overrides grid.listen")
	return cmd
}

func newClientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Walk through the map operations against the configured grid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			logger.Info("Starting grid client example...")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, err := grid.Connect(ctx, cfg.Grid, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := g.Close(); err != nil {
					logger.Errorf("Shutdown error: %v", err)
				}
			}()

			if err := demo.ClientExample(ctx, g, logger); err != nil {
				logger.Errorf("Error during client operations: %v", err)
				return err
			}
			return nil
		},
	}
}
