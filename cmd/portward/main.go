package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portward/portward/agent"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "portward",
		Usage: "supervise a backend sidecar and publish the port it announces",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "backend",
				Usage:    "Path to the backend executable to supervise.",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "backend-arg",
				Usage: "Argument passed to the backend. May be repeated.",
			},
			&cli.StringSliceFlag{
				Name:  "backend-env",
				Usage: "KEY=VALUE pair added to the backend's environment. May be repeated.",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "Working directory for the backend.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the control HTTP server to listen on.",
				Value: "127.0.0.1:7077",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "autostart",
				Usage: "Start the backend immediately instead of waiting for POST /start.",
				Value: true,
			},
			&cli.StringFlag{
				Name:  "heartbeat-timeout",
				Usage: "Stop the backend when no heartbeat arrives within this duration. 0 disables the watchdog.",
				Value: "0s",
			},
		},
		Action: func(ctx *cli.Context) error {
			var level zapcore.Level
			if err := level.Set(ctx.String("log-level")); err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			heartbeatTimeout, err := time.ParseDuration(ctx.String("heartbeat-timeout"))
			if err != nil {
				return fmt.Errorf("parsing heartbeat timeout: %w", err)
			}

			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}

			a, err := agent.New(
				ctx.String("backend"),
				agent.WithBackendArgs(ctx.StringSlice("backend-arg")...),
				agent.WithBackendEnv(ctx.StringSlice("backend-env")...),
				agent.WithBackendDir(ctx.String("workdir")),
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithAutoStart(ctx.Bool("autostart")),
				agent.WithHeartbeatTimeout(heartbeatTimeout),
				agent.WithLogger(logger),
				agent.WithLogLevel(level),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			runCtx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// The backend must be killed synchronously before the process
			// exits, no matter how shutdown is triggered.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Sugar().Infof("received %s, shutting down", sig)
				if err := a.Stop(); err != nil {
					logger.Sugar().Errorf("shutdown error: %s", err)
				}
			}()

			return a.Run(runCtx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
