package engine

import (
	"context"
	"errors"

	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/google/uuid"
)

type queueEntry struct {
	id      string
	wallet  string
	op      strategy.Operation
	batchID string
	retries int
	pending *Pending
}

// Enqueue appends op to the execution queue. The returned handle resolves
// once the operation has been submitted or rejected. An invalid operation is
// rejected immediately with a *strategy.ValidationError and never queued.
func (e *Engine) Enqueue(wallet string, op strategy.Operation) *Pending {
	return e.enqueue(walletKey(wallet), "", []strategy.Operation{op})[0]
}

// enqueue appends the valid ops contiguously so no other caller's
// operations can interleave with a batch. Invalid ops resolve at once
// without a record or event. Once a critical op is invalid, the rest of the
// batch resolves with ErrBatchHalted.
func (e *Engine) enqueue(wallet, batchID string, ops []strategy.Operation) []*Pending {
	entries := make([]*queueEntry, 0, len(ops))
	pendings := make([]*Pending, len(ops))
	halted := false
	for i, op := range ops {
		id := uuid.NewString()
		p := newPending(id)
		pendings[i] = p

		if halted {
			p.resolve(nil, ErrBatchHalted)
			continue
		}
		if err := op.Validate(); err != nil {
			e.logger.Warn("rejected invalid operation",
				"wallet", wallet,
				"batch_id", batchID,
				"protocol", op.Protocol,
				"action", op.Action,
				"error", err,
			)
			p.resolve(nil, err)
			halted = op.Critical && batchID != ""
			continue
		}
		entries = append(entries, &queueEntry{
			id:      id,
			wallet:  wallet,
			op:      op,
			batchID: batchID,
			pending: p,
		})
	}
	if len(entries) == 0 {
		return pendings
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		for _, entry := range entries {
			entry.pending.resolve(nil, ErrEngineClosed)
		}
		return pendings
	}
	e.queue = append(e.queue, entries...)
	n := len(e.queue)
	e.mu.Unlock()

	e.setQueueDepth(n)
	e.signal()
	e.publish(Event{Kind: EventQueueUpdate, Wallet: wallet, QueueLength: n})
	return pendings
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run(ctx context.Context) {
	for {
		entry, n := e.dequeue()
		if entry == nil {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
				continue
			}
		}

		e.setQueueDepth(n)
		e.publish(Event{Kind: EventQueueUpdate, Wallet: entry.wallet, QueueLength: n})
		e.process(ctx, entry)

		if e.cfg.InterOperationDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(e.cfg.InterOperationDelay):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) dequeue() (*queueEntry, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil, 0
	}
	entry := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return entry, len(e.queue)
}

func (e *Engine) process(ctx context.Context, entry *queueEntry) {
	attempt := entry.retries + 1
	op := entry.op
	e.publish(Event{
		Kind:      EventTransactionStarted,
		Wallet:    entry.wallet,
		EntryID:   entry.id,
		Attempt:   attempt,
		Operation: &op,
	})

	if err := op.Validate(); err != nil {
		e.reject(entry, err, attempt)
		return
	}

	payload := Payload{
		EntryFunction:   op.EntryFunction(),
		ContractAddress: op.ContractAddress,
		AtomicAmount:    strategy.AtomicUnits(op.Amount, e.cfg.TokenDecimals),
		Protocol:        op.Protocol,
		Action:          op.Action,
	}

	hash, err := e.signer.SignAndSubmit(ctx, entry.wallet, payload)
	if err == nil && hash == "" {
		err = errors.New("signer returned an empty transaction hash")
	}
	if err != nil {
		if entry.retries < e.cfg.MaxRetries && ctx.Err() == nil {
			e.retry(entry, err)
			return
		}
		e.reject(entry, &SubmissionError{Attempts: attempt, Err: err}, attempt)
		return
	}

	e.submitted(entry, hash, attempt)
}

// retry puts entry back at the front so it completes before later work.
func (e *Engine) retry(entry *queueEntry, cause error) {
	entry.retries++

	e.mu.Lock()
	e.queue = append([]*queueEntry{entry}, e.queue...)
	n := len(e.queue)
	e.mu.Unlock()

	e.logger.Warn("submission failed, retrying",
		"wallet", entry.wallet,
		"entry_id", entry.id,
		"protocol", entry.op.Protocol,
		"action", entry.op.Action,
		"retry", entry.retries,
		"max_retries", e.cfg.MaxRetries,
		"error", cause,
	)
	if e.metrics != nil {
		e.metrics.RecordOperationRetry(entry.op.Protocol, string(entry.op.Action))
	}
	e.setQueueDepth(n)
	e.publish(Event{Kind: EventQueueUpdate, Wallet: entry.wallet, QueueLength: n})
}

func (e *Engine) submitted(entry *queueEntry, hash string, attempt int) {
	now := e.clock.Now()
	rec := &TransactionRecord{
		ID:          entry.id,
		Wallet:      entry.wallet,
		Hash:        hash,
		Status:      StatusSubmitted,
		Operation:   entry.op,
		BatchID:     entry.batchID,
		Attempts:    attempt,
		SubmittedAt: &now,
	}

	e.mu.Lock()
	_, duplicate := e.watches[hash]
	e.active[hash] = rec
	w := &watch{rec: rec, done: make(chan struct{})}
	e.watches[hash] = w
	snapshot := *rec
	e.mu.Unlock()

	if duplicate {
		e.logger.Warn("signer returned a hash that is already being monitored",
			"wallet", entry.wallet,
			"hash", hash,
			"entry_id", entry.id,
		)
	}

	e.logger.Info("transaction submitted",
		"wallet", entry.wallet,
		"hash", hash,
		"protocol", entry.op.Protocol,
		"action", entry.op.Action,
		"amount", entry.op.Amount.String(),
		"attempts", attempt,
	)
	if e.metrics != nil {
		e.metrics.RecordOperationSubmitted(entry.op.Protocol, string(entry.op.Action))
	}

	e.publish(Event{
		Kind:    EventTransactionSubmitted,
		Wallet:  entry.wallet,
		EntryID: entry.id,
		Attempt: attempt,
		Record:  &snapshot,
	})

	e.watch(hash, w)

	entry.pending.resolve(&TransactionResult{
		RecordID:    entry.id,
		Hash:        hash,
		Attempts:    attempt,
		Operation:   entry.op,
		SubmittedAt: now,
	}, nil)
}

// reject terminally fails entry. If the operation is critical, the rest of
// its batch is dropped from the queue and rejected with ErrBatchHalted.
func (e *Engine) reject(entry *queueEntry, cause error, attempts int) {
	now := e.clock.Now()
	rec := &TransactionRecord{
		ID:         entry.id,
		Wallet:     entry.wallet,
		Status:     StatusFailed,
		Operation:  entry.op,
		BatchID:    entry.batchID,
		Attempts:   attempts,
		Error:      cause.Error(),
		ResolvedAt: &now,
	}

	var halted []*queueEntry
	e.mu.Lock()
	hist := e.history.Record(entry.wallet, HistoryEntry{
		Kind:       HistoryTransaction,
		Record:     rec,
		RecordedAt: now,
	})
	if entry.op.Critical && entry.batchID != "" {
		kept := e.queue[:0]
		for _, q := range e.queue {
			if q.batchID == entry.batchID {
				halted = append(halted, q)
				continue
			}
			kept = append(kept, q)
		}
		for i := len(kept); i < len(e.queue); i++ {
			e.queue[i] = nil
		}
		e.queue = kept
	}
	n := len(e.queue)
	e.mu.Unlock()

	e.logger.Error("operation failed",
		"wallet", entry.wallet,
		"entry_id", entry.id,
		"protocol", entry.op.Protocol,
		"action", entry.op.Action,
		"attempts", attempts,
		"critical", entry.op.Critical,
		"error", cause,
	)
	if e.metrics != nil {
		e.metrics.RecordTransactionResolved(string(StatusFailed), 0)
	}

	snapshot := *rec
	e.publish(Event{
		Kind:    EventTransactionFailed,
		Wallet:  entry.wallet,
		EntryID: entry.id,
		Attempt: attempts,
		Record:  &snapshot,
		Error:   cause.Error(),
	})
	e.publish(Event{Kind: EventHistoryUpdated, Wallet: entry.wallet, History: &hist})

	entry.pending.resolve(nil, cause)

	if len(halted) > 0 {
		e.logger.Warn("critical operation failed, halting batch",
			"wallet", entry.wallet,
			"batch_id", entry.batchID,
			"skipped", len(halted),
		)
		for _, q := range halted {
			q.pending.resolve(nil, ErrBatchHalted)
		}
		e.setQueueDepth(n)
		e.publish(Event{Kind: EventQueueUpdate, Wallet: entry.wallet, QueueLength: n})
	}
}

func (e *Engine) rejectQueued(cause error) {
	e.mu.Lock()
	e.closed = true
	queued := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, q := range queued {
		q.pending.resolve(nil, cause)
	}
	if len(queued) > 0 {
		e.setQueueDepth(0)
		e.logger.Warn("rejected queued operations", "count", len(queued), "error", cause)
	}
}
