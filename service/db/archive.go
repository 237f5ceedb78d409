package db

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
)

const (
	archiveBufferSize   = 512
	archiveWriteTimeout = 5 * time.Second
)

// HistoryWriter persists completed history entries.
type HistoryWriter interface {
	SaveTransactionRecord(ctx context.Context, rec engine.TransactionRecord) error
	SaveStrategyRun(ctx context.Context, wallet string, run engine.StrategySummary) error
	DeleteWalletHistory(ctx context.Context, wallet string) error
}

// Archive copies engine history into a HistoryWriter as it is recorded.
// Writes happen on a dedicated goroutine so the engine is never blocked on
// the database.
type Archive struct {
	listener engine.Listener
	stop     func()
}

// NewArchive creates an Archive. Register Listener with Engine.Subscribe and
// call Close on shutdown to flush pending writes.
func NewArchive(w HistoryWriter, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	listener, stop := engine.Buffered(archiveBufferSize, logger, func(ev engine.Event) {
		if ev.Kind != engine.EventHistoryUpdated {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
		defer cancel()
		if err := archiveEvent(ctx, w, ev); err != nil {
			logger.Error("failed to archive history",
				"wallet", ev.Wallet,
				"error", err,
			)
		}
	})
	return &Archive{listener: listener, stop: stop}
}

// history_updated with no entry means the wallet's history was cleared.
func archiveEvent(ctx context.Context, w HistoryWriter, ev engine.Event) error {
	entry := ev.History
	switch {
	case entry == nil:
		return w.DeleteWalletHistory(ctx, ev.Wallet)
	case entry.Record != nil:
		return w.SaveTransactionRecord(ctx, *entry.Record)
	case entry.Strategy != nil:
		return w.SaveStrategyRun(ctx, entry.Wallet, *entry.Strategy)
	}
	return nil
}

// Listener returns the engine listener.
func (a *Archive) Listener() engine.Listener {
	return a.listener
}

// Close flushes buffered writes.
func (a *Archive) Close() {
	a.stop()
}
