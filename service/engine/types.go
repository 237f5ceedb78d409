package engine

import (
	"context"
	"time"

	"github.com/brojonat/rebalancer/service/strategy"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a TransactionRecord.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// TransactionRecord tracks one operation from submission to resolution.
// Records are immutable once terminal.
type TransactionRecord struct {
	ID          string             `json:"id"`
	Wallet      string             `json:"wallet"`
	Hash        string             `json:"hash,omitempty"`
	Status      Status             `json:"status"`
	Operation   strategy.Operation `json:"operation"`
	BatchID     string             `json:"batch_id,omitempty"`
	Attempts    int                `json:"attempts"`
	Error       string             `json:"error,omitempty"`
	SubmittedAt *time.Time         `json:"submitted_at,omitempty"`
	ResolvedAt  *time.Time         `json:"resolved_at,omitempty"`
}

// Payload is what the wallet signer receives for one operation.
type Payload struct {
	// EntryFunction is the fully qualified on-chain entry point.
	EntryFunction   string              `json:"function_id"`
	ContractAddress string              `json:"contract_address"`
	AtomicAmount    decimal.Decimal     `json:"atomic_amount"`
	Protocol        string              `json:"protocol"`
	Action          strategy.ActionKind `json:"action"`
}

// Signer signs an operation with the wallet and broadcasts it, returning the
// chain-assigned transaction hash.
type Signer interface {
	SignAndSubmit(ctx context.Context, wallet string, payload Payload) (string, error)
}

// ChainStatus is a definitive on-chain result for a transaction.
type ChainStatus struct {
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status,omitempty"`
}

// StatusQuerier looks up a transaction on chain. Implementations return
// ErrNotFoundYet while the transaction is still unknown or pending.
type StatusQuerier interface {
	TransactionStatus(ctx context.Context, hash string) (ChainStatus, error)
}

// TransactionResult is delivered to the caller once an operation has been
// signed and broadcast.
type TransactionResult struct {
	RecordID    string             `json:"record_id"`
	Hash        string             `json:"hash"`
	Attempts    int                `json:"attempts"`
	Operation   strategy.Operation `json:"operation"`
	SubmittedAt time.Time          `json:"submitted_at"`
}

// Pending is the completion handle returned by Enqueue. It resolves when the
// operation is submitted or rejected; confirmation is tracked separately.
type Pending struct {
	ID string

	done   chan struct{}
	result *TransactionResult
	err    error
}

func newPending(id string) *Pending {
	return &Pending{ID: id, done: make(chan struct{})}
}

// resolve must be called exactly once.
func (p *Pending) resolve(result *TransactionResult, err error) {
	p.result = result
	p.err = err
	close(p.done)
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (p *Pending) Result() (*TransactionResult, error) {
	return p.result, p.err
}

// Wait blocks until the operation resolves or ctx is done. Giving up does not
// cancel the queued operation.
func (p *Pending) Wait(ctx context.Context) (*TransactionResult, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
