package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/config"
	"github.com/sweeney/voicebridge/internal/logger"
)

func main() {
	configPath := flag.String("config", "/etc/voicebridge/voicebridge.yaml", "Path to config file")
	dialplan := flag.String("dialplan", "", "Print the dialplan for a voice id and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level)
	slog.SetDefault(log)

	if *dialplan != "" {
		doc, err := renderDialplan(cfg, *dialplan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rendering dialplan: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(doc)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log, deps{})
	if err != nil {
		log.Error("startup failed", "error", err, "kind", callerr.Kind(err))
		os.Exit(1)
	}
	if err := a.run(ctx); err != nil {
		log.Error("stopped with error", "error", err, "kind", callerr.Kind(err))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
