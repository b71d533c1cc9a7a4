package publisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/web3ekko/ekko-ce/relay/internal/bus"
	"github.com/web3ekko/ekko-ce/relay/internal/codec"
	"github.com/web3ekko/ekko-ce/relay/internal/metrics"
	"github.com/web3ekko/ekko-ce/relay/pkg/ledger"
)

const defaultPublishTimeout = 2 * time.Second

type Config struct {
	// PublishTimeout bounds each individual publish call.
	PublishTimeout time.Duration
	Metrics        *metrics.Metrics
}

// Publisher turns ledger commits into bus messages. It is installed as a
// ledger commit hook and never reports failure back to the ledger.
type Publisher struct {
	br      bus.Bus
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ ledger.CommitHook = (*Publisher)(nil)

func New(br bus.Bus, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if br == nil {
		return nil, errors.New("publisher: bus is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}

	return &Publisher{
		br:      br,
		timeout: timeout,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "publisher"),
	}, nil
}

// OnCommit publishes the block to the blocks channel, then every
// notification of every non-faulted execution record to the events channel,
// in order.
func (p *Publisher) OnCommit(block ledger.Block, records []ledger.ExecutionRecord) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("commit hook panicked", "block", block.Hash, "panic", r)
		}
	}()

	blockMsg, err := codec.EncodeBlock(block).Marshal()
	if err != nil {
		p.logger.Error("failed to marshal block message", "block", block.Hash, "error", err)
	} else {
		p.publish(bus.Blocks, blockMsg, "block", block.Hash)
	}

	for _, rec := range records {
		if rec.Faulted() {
			continue
		}
		for i, n := range rec.Notifications {
			msg, err := codec.EncodeNotification(n.Contract, rec.TxID, n.State)
			if err != nil {
				p.metrics.EncodingFailed()
				p.logger.Warn("skipping notification", "block", block.Hash, "txid", rec.TxID, "index", i, "error", err)
				continue
			}
			data, err := msg.Marshal()
			if err != nil {
				p.metrics.EncodingFailed()
				p.logger.Warn("skipping notification", "block", block.Hash, "txid", rec.TxID, "index", i, "error", err)
				continue
			}
			p.publish(bus.Events, data, "txid", rec.TxID)
		}
	}
}

// publish makes one bounded attempt; failures are logged and swallowed.
func (p *Publisher) publish(channel bus.Channel, payload []byte, attrs ...any) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.br.Publish(ctx, channel, payload); err != nil {
		p.metrics.PublishFailed(string(channel))
		p.logger.Error("publish failed", append([]any{"channel", channel, "error", err}, attrs...)...)
		return
	}
	p.metrics.Published(string(channel))
}
