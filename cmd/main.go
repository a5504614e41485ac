package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"go-webhook-relay/internal/infrastructure/bus"
	"go-webhook-relay/internal/infrastructure/config"
	"go-webhook-relay/internal/infrastructure/logger"
	"go-webhook-relay/internal/infrastructure/server"
	"go-webhook-relay/internal/infrastructure/stream"
)

func main() {
	app := &cli.App{
		Name:    "webhook-relay",
		Usage:   "relay webhook deliveries to live push-stream observers",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to yaml config file",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address",
			},
			&cli.StringFlag{
				Name:    "loglevel",
				Aliases: []string{"ll"},
				Usage:   "log level (debug info warn error fatal)",
			},
			&cli.UintFlag{
				Name:  "heartbeat",
				Usage: "heartbeat interval in seconds",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := applyConfig(cliCtx)
	if err != nil {
		return err
	}

	log := logger.NewLogrusLogger(cfg.LoggerConfig())
	sctx := WithSignal(context.Background())

	busInstance := bus.New(log)
	keepalive := stream.NewKeepAlive(cfg.HeartbeatInterval(), log)

	// Scheduler first; its lifetime spans every connection's.
	if err := keepalive.Start(context.Background()); err != nil {
		return err
	}

	router := InitRouter(busInstance, keepalive, log)
	httpSrv := server.NewHTTPServer(cfg.Addr, router)
	app := newApplication(log, httpSrv, busInstance, keepalive)

	log.Infof("webhook relay listening on %s", cfg.Addr)
	return app.Run(sctx)
}

// applyConfig loads the config file if given and lets command line flags
// override its values.
func applyConfig(cliCtx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := cliCtx.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if addr := cliCtx.String("addr"); addr != "" {
		cfg.Addr = addr
	}
	if level := cliCtx.String("loglevel"); level != "" {
		cfg.Logging.Level = level
	}
	if heartbeat := cliCtx.Uint("heartbeat"); heartbeat != 0 {
		cfg.HeartbeatSeconds = heartbeat
	}

	return cfg, nil
}

type Application struct {
	logger    logger.Logger
	httpSrv   server.Server
	bus       *bus.Bus
	keepalive *stream.KeepAlive
}

func newApplication(
	logger logger.Logger,
	httpSrv *server.HTTPServer,
	busInstance *bus.Bus,
	keepalive *stream.KeepAlive,
) *Application {
	return &Application{
		logger:    logger.WithField("app", "relay"),
		httpSrv:   httpSrv,
		bus:       busInstance,
		keepalive: keepalive,
	}
}

func (app *Application) Run(ctx context.Context) error {
	eg := errgroup.Group{}

	eg.Go(func() error {
		return app.httpSrv.Start(ctx)
	})

	eg.Go(func() error {
		<-ctx.Done()

		gracefulshutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()

		// Core first: no more heartbeats, no more publishes, then let the
		// server drain the open streams.
		app.keepalive.Stop()
		app.bus.Close()

		return app.httpSrv.Stop(gracefulshutdownCtx)
	})

	return eg.Wait()
}

func WithSignal(pctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(pctx)

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

		<-sigc

		cancel()
	}()

	return ctx
}
