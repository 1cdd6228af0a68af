// Command wiretap records the raw management event stream to a file so
// call flows can be replayed in tests, and scrubs captures before they are
// committed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sweeney/voicebridge/internal/config"
	"github.com/sweeney/voicebridge/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Take AMI address and credentials from this config file")
	host := flag.String("host", "127.0.0.1", "AMI host")
	port := flag.Int("port", 5038, "AMI port")
	user := flag.String("user", "admin", "AMI username")
	secret := flag.String("secret", "", "AMI secret")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	events := flag.String("events", "", "Comma separated event names to keep (default all)")
	duration := flag.Duration("duration", 0, "Stop after this long (default until interrupted)")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in place (keeps .bak)")
	flag.Parse()

	log := logger.NewWithWriter(os.Stderr, "info")

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			log.Error("sanitize failed", "path", *sanitize, "error", err)
			os.Exit(1)
		}
		log.Info("sanitized", "path", *sanitize)
		return
	}

	opts := captureOptions{
		Username: *user,
		Secret:   *secret,
		OutDir:   *outDir,
		Events:   splitList(*events),
		Logger:   log,
	}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Error("loading config", "error", err)
			os.Exit(1)
		}
		opts.Addr, opts.Username, opts.Secret = cfg.AMI.Addr(), cfg.AMI.Username, cfg.AMI.Secret
	} else {
		c := config.AMIConfig{Host: *host, Port: *port}
		opts.Addr = c.Addr()
	}
	if opts.Secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret or -config is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	start := time.Now()
	n, path, err := capture(ctx, opts)
	if err != nil {
		log.Error("capture failed", "error", err, "blocks", n)
		os.Exit(1)
	}
	log.Info("capture finished", "path", path, "blocks", n, "elapsed", time.Since(start).Round(time.Second))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
