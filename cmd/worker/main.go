package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/campaign-delivery/internal/app"
	"github.com/unclebandit/campaign-delivery/internal/config"
	"github.com/unclebandit/campaign-delivery/internal/handler"
	"github.com/unclebandit/campaign-delivery/internal/logger"
	"github.com/unclebandit/campaign-delivery/internal/service"
)

type options struct {
	once     bool
	commands bool
	id       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Deliver queued campaign messages",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.id != "" {
				cfg.Worker.ID = opts.id
			}
			if cfg.Worker.ID == "" {
				host, _ := os.Hostname()
				cfg.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
			}
			log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, *log, opts); err != nil {
				log.Error().Err(err).Msg("worker exited")
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.once, "once", false, "process every eligible job, then exit")
	cmd.Flags().BoolVar(&opts.commands, "commands", true, "consume campaign start commands from AMQP")
	cmd.Flags().StringVar(&opts.id, "id", "", "worker id recorded on leases (default host-pid)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts options) error {
	a, err := app.New(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.once {
		if _, err := a.Queue.RequeueExpired(ctx); err != nil {
			return err
		}
		return a.Worker.Drain(ctx)
	}

	// Dependencies are opened before any loop starts.
	var commands *handler.CampaignCommandHandler
	if opts.commands {
		h, closer, err := newCommandHandler(a, cfg, log, dialAMQP)
		if err != nil {
			return err
		}
		defer closer.Close()
		commands = h
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Worker.Run(gctx) })
	g.Go(func() error {
		return service.RunReaper(gctx, a.Queue, a.Tracker, cfg.Worker.ReapInterval, a.Metrics, log)
	})
	g.Go(func() error { return serveMetrics(gctx, cfg.Worker.MetricsAddr, log) })
	if commands != nil {
		g.Go(func() error { return commands.Run(gctx) })
	}
	return g.Wait()
}

type dialFunc func(url string) (handler.CommandChannel, io.Closer, error)

// dialAMQP opens a connection and one channel. Closing the returned
// connection closes the channel too.
func dialAMQP(url string) (handler.CommandChannel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	return ch, conn, nil
}

func newCommandHandler(a *app.App, cfg *config.Config, log zerolog.Logger, dial dialFunc) (*handler.CampaignCommandHandler, io.Closer, error) {
	ch, closer, err := dial(cfg.AMQP.URL)
	if err != nil {
		return nil, nil, err
	}
	return &handler.CampaignCommandHandler{
		Campaigns:    a.Campaigns,
		Channel:      ch,
		Queue:        cfg.AMQP.CommandQueue,
		MaxRedeliver: cfg.AMQP.MaxRedeliver,
		Log:          logger.Component(log, "commands"),
	}, closer, nil
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
