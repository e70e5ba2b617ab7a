// Package main runs the kernel: intent intake, tick loop, and event log.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	kernelcmd "github.com/agoraverse/agora/internal/cmd/kernel"
	"github.com/agoraverse/agora/internal/platform/config"
)

func main() {
	cfg, err := kernelcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := kernelcmd.Run(ctx, cfg); err != nil {
		config.Exitf("Error: %v", err)
	}
}
