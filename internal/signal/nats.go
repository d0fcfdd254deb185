package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBus delivers signals over core NATS on "<subject>.<workerID>" so
// workers in other processes receive them.
type NATSBus struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// ConnectNATS dials url and returns a bus publishing under subject.
func ConnectNATS(url, subject string, logger *slog.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url, nats.Name("taskengine"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("nats connected", "url", url, "subject", subject)
	return &NATSBus{nc: nc, subject: subject, logger: logger}, nil
}

func (b *NATSBus) subjectFor(workerID string) string {
	return b.subject + "." + workerID
}

// Publish sends sig to workerID's subject and flushes it to the server.
func (b *NATSBus) Publish(ctx context.Context, workerID string, sig Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	subj := b.subjectFor(workerID)
	if err := b.nc.Publish(subj, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subj, err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush %s: %w", subj, err)
	}
	return nil
}

// Subscribe decodes messages on workerID's subject into a buffered channel.
// Malformed messages are logged and skipped.
func (b *NATSBus) Subscribe(ctx context.Context, workerID string) (<-chan Signal, func(), error) {
	ch := make(chan Signal, bufferSize)
	var mu sync.Mutex
	closed := false

	sub, err := b.nc.Subscribe(b.subjectFor(workerID), func(msg *nats.Msg) {
		var sig Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			b.logger.Warn("malformed signal", "subject", msg.Subject, "error", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- sig:
		default:
			b.logger.Warn("signal dropped, buffer full", "worker_id", workerID, "kind", sig.Kind)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("nats subscribe: %w", err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				b.logger.Debug("nats unsubscribe", "error", err)
			}
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}, nil
}

// Close drains the NATS connection.
func (b *NATSBus) Close() error {
	return b.nc.Drain()
}
