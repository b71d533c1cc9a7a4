// ekko-inject replays commit documents through the commit publisher, standing
// in for a ledger node during development.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/web3ekko/ekko-ce/relay/internal/bus"
	"github.com/web3ekko/ekko-ce/relay/internal/config"
	"github.com/web3ekko/ekko-ce/relay/internal/logging"
	"github.com/web3ekko/ekko-ce/relay/internal/publisher"
	"github.com/web3ekko/ekko-ce/relay/pkg/ledger"
)

const hookName = "pubsub"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	input := flag.String("file", "-", "commit document (JSON or YAML); - reads stdin")
	interval := flag.Duration("interval", 0, "pause between commits")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.Setup(logging.Options{Service: "ekko-inject", Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	data, err := readInput(*input)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *input, err)
	}
	commits, err := ledger.DecodeCommits(data)
	if err != nil {
		log.Fatalf("Failed to decode commits: %v", err)
	}

	if cfg.Bus.Driver == "memory" {
		logger.Warn("memory bus has no subscribers outside this process; messages will be dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b, err := bus.Open(ctx, bus.Config{
		Driver:     cfg.Bus.Driver,
		URL:        cfg.Bus.URL,
		Host:       cfg.Bus.Host,
		Port:       cfg.Bus.Port,
		Prefix:     cfg.Bus.Prefix,
		BufferSize: cfg.Bus.BufferSize,
	})
	if err != nil {
		log.Fatalf("Failed to open bus: %v", err)
	}
	defer b.Close()

	pub, err := publisher.New(b, publisher.Config{PublishTimeout: cfg.Publisher.Timeout}, logger)
	if err != nil {
		log.Fatalf("Failed to create publisher: %v", err)
	}

	hooks := ledger.NewHooks(logger)
	if err := hooks.Install(hookName, pub); err != nil {
		log.Fatalf("Failed to install publisher: %v", err)
	}
	defer hooks.Uninstall(hookName)

	for i, c := range commits {
		if i > 0 && *interval > 0 {
			time.Sleep(*interval)
		}
		hooks.Commit(c.Block, c.Records)
		logger.Info("commit replayed", "block", c.Block.Hash, "index", c.Block.Index, "records", len(c.Records))
	}
	logger.Info("done", "commits", len(commits))
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
