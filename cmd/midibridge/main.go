package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/leandrodaf/midibridge/internal/app"
	"github.com/leandrodaf/midibridge/internal/config"
	"github.com/leandrodaf/midibridge/internal/logger"
	"github.com/leandrodaf/midibridge/sdk/contracts"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, os.Args[1:], nil)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logger.NewStandardLogger()
	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration", log.Field().Error("error", err))
		os.Exit(2)
	}
	log.SetLevel(cfg.Level())
	if cfg.LogFile != "" {
		log.SetDestination(contracts.FileLog, cfg.LogFile)
	}

	if err := app.Run(ctx, cfg, log, os.Stdin, os.Stdout); err != nil {
		log.Error("midibridge failed", log.Field().Error("error", err))
		stop()
		os.Exit(1)
	}
}
