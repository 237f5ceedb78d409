package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFoundYet is returned by a StatusQuerier when the chain does not
	// know the transaction yet. The monitor keeps polling.
	ErrNotFoundYet = errors.New("transaction not found yet")

	// ErrConfirmationTimeout means no definitive status was observed before
	// the confirmation timeout. The transaction may still land.
	ErrConfirmationTimeout = errors.New("confirmation timed out, status unknown")

	// ErrBatchHalted is reported for operations skipped because a critical
	// operation earlier in the same batch failed.
	ErrBatchHalted = errors.New("batch halted by failed critical operation")

	// ErrEngineClosed is returned for work that can no longer run because
	// the engine was closed.
	ErrEngineClosed = errors.New("engine closed")

	// ErrTransactionNotFound is returned for hashes the engine never submitted.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrFailedOnChain means the chain executed the transaction and reported
	// failure.
	ErrFailedOnChain = errors.New("transaction failed on chain")
)

// SubmissionError is the terminal error for an operation whose
// sign-and-submit call kept failing after every retry.
type SubmissionError struct {
	Attempts int
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
