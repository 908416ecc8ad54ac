//go:build linux || darwin

// Command server serves static files from a root directory through the
// asynchronous request queue.
//
//	server [flags] <url-prefix> <root-directory>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/async-server/app"
	"github.com/searchktools/async-server/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if !errors.Is(err, config.ErrUsage) {
			fmt.Fprintln(os.Stderr, err)
		}
		return 1
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := cfg.NewLogger()

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("❌ Initialization failed")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.WithError(err).Error("❌ Server failed")
		return 1
	}

	logger.WithFields(logrus.Fields{"url": cfg.URL}).Info("Exiting")
	return 0
}
