// ekko-tail prints the envelopes pushed by a running relay, one JSON line each.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/web3ekko/ekko-ce/relay/internal/logging"
	"github.com/web3ekko/ekko-ce/relay/pkg/relayclient"
)

func main() {
	addr := flag.String("addr", "http://localhost:8000", "relay base address")
	channel := flag.String("channel", "", "blocks or events; empty for both")
	flag.Parse()

	logger, err := logging.Setup(logging.Options{Service: "ekko-tail", Format: "text", Output: os.Stderr})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	u, err := relayclient.URL(*addr, *channel)
	if err != nil {
		log.Fatalf("Invalid relay address: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src := relayclient.NewSource(u, logger)
	if err := src.Start(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	go func() {
		<-ctx.Done()
		_ = src.Close()
	}()

	enc := json.NewEncoder(os.Stdout)
	for v := range src.Out() {
		if err := enc.Encode(v.(relayclient.Envelope)); err != nil {
			logger.Error("write failed", "error", err)
			return
		}
	}
}
