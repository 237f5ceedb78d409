package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// watch owns the record it monitors. A later submission that reports the
// same hash replaces the map entries but not this watch's record.
type watch struct {
	rec   *TransactionRecord
	done  chan struct{}
	final TransactionRecord
}

// release drops hash from the active maps if they still belong to w.
// Callers hold e.mu.
func (e *Engine) release(hash string, w *watch) {
	if e.watches[hash] == w {
		delete(e.watches, hash)
		delete(e.active, hash)
	}
}

// watch polls the chain for hash until it resolves, times out, or the engine
// closes.
func (e *Engine) watch(hash string, w *watch) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.poll(e.ctx, hash, w)
	}()
}

func (e *Engine) poll(ctx context.Context, hash string, w *watch) {
	deadline := e.clock.Now().Add(e.cfg.ConfirmationTimeout)
	wait := e.cfg.ConfirmationInitialDelay
	polls := 0

	for {
		if remaining := deadline.Sub(e.clock.Now()); wait > remaining {
			wait = remaining
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				e.abandon(hash, w)
				return
			case <-e.clock.After(wait):
			}
		} else if ctx.Err() != nil {
			e.abandon(hash, w)
			return
		}
		wait = e.cfg.ConfirmationPollInterval
		polls++

		status, err := e.status.TransactionStatus(ctx, hash)
		switch {
		case err == nil && status.Success:
			e.resolve(hash, w, StatusConfirmed, "")
			return
		case err == nil:
			msg := ErrFailedOnChain.Error()
			if status.VMStatus != "" {
				msg = fmt.Sprintf("%s: %s", msg, status.VMStatus)
			}
			e.resolve(hash, w, StatusFailed, msg)
			return
		case errors.Is(err, ErrNotFoundYet):
			e.logger.Debug("transaction not found yet", "hash", hash, "poll", polls)
		default:
			e.logger.Warn("transaction status poll failed",
				"hash", hash,
				"poll", polls,
				"error", err,
			)
		}

		if !e.clock.Now().Before(deadline) {
			e.resolve(hash, w, StatusTimedOut, ErrConfirmationTimeout.Error())
			return
		}
	}
}

// resolve moves the record into history and wakes any awaiters.
func (e *Engine) resolve(hash string, w *watch, status Status, errMsg string) {
	now := e.clock.Now()

	e.mu.Lock()
	e.release(hash, w)
	final := *w.rec
	final.Status = status
	final.Error = errMsg
	final.ResolvedAt = &now
	stored := final
	hist := e.history.Record(final.Wallet, HistoryEntry{
		Kind:       HistoryTransaction,
		Record:     &stored,
		RecordedAt: now,
	})
	e.mu.Unlock()

	var elapsed time.Duration
	if final.SubmittedAt != nil {
		elapsed = now.Sub(*final.SubmittedAt)
	}

	kind := EventTransactionConfirmed
	switch status {
	case StatusConfirmed:
		e.logger.Info("transaction confirmed", "wallet", final.Wallet, "hash", hash, "elapsed", elapsed)
	case StatusFailed:
		kind = EventTransactionFailed
		e.logger.Error("transaction failed on chain", "wallet", final.Wallet, "hash", hash, "error", errMsg)
	case StatusTimedOut:
		kind = EventTransactionTimeout
		e.logger.Warn("transaction confirmation timed out", "wallet", final.Wallet, "hash", hash, "elapsed", elapsed)
	}
	if e.metrics != nil {
		e.metrics.RecordTransactionResolved(string(status), elapsed.Seconds())
	}

	e.publish(Event{Kind: kind, Wallet: final.Wallet, EntryID: final.ID, Record: &final, Error: errMsg})
	e.publish(Event{Kind: EventHistoryUpdated, Wallet: final.Wallet, History: &hist})

	w.final = final
	close(w.done)
}

// abandon stops tracking hash without a verdict because the engine closed.
func (e *Engine) abandon(hash string, w *watch) {
	e.mu.Lock()
	w.final = *w.rec
	if e.watches[hash] == w {
		delete(e.watches, hash)
	}
	e.mu.Unlock()
	close(w.done)
}

// AwaitConfirmation blocks until the transaction with hash reaches a terminal
// status. It returns ErrFailedOnChain for on-chain failures and
// ErrConfirmationTimeout when the status is unknown.
func (e *Engine) AwaitConfirmation(ctx context.Context, hash string) (TransactionRecord, error) {
	e.mu.Lock()
	w, watching := e.watches[hash]
	var rec TransactionRecord
	found := false
	if !watching {
		if r, ok := e.history.FindTransaction(hash); ok {
			rec, found = *r, true
		}
	}
	e.mu.Unlock()

	if watching {
		select {
		case <-w.done:
			rec, found = w.final, true
		case <-ctx.Done():
			return TransactionRecord{}, ctx.Err()
		}
	}
	if !found {
		return TransactionRecord{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
	}

	switch rec.Status {
	case StatusConfirmed:
		return rec, nil
	case StatusFailed:
		return rec, ErrFailedOnChain
	case StatusTimedOut:
		return rec, ErrConfirmationTimeout
	default:
		return rec, ErrEngineClosed
	}
}
