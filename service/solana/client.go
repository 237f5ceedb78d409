package solana

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/rebalancer/service/engine"
	"github.com/brojonat/rebalancer/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const chainLabel = "solana"

// RPCClient is the subset of the Solana RPC API the status client needs.
type RPCClient interface {
	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)
}

// StatusClient resolves transaction signatures to on-chain outcomes. It
// implements engine.StatusQuerier.
type StatusClient struct {
	rpc     RPCClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStatusClient creates a StatusClient. If metrics is nil, no metrics
// will be recorded.
func NewStatusClient(rpcClient RPCClient, m *metrics.Metrics, logger *slog.Logger) *StatusClient {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &StatusClient{
		rpc:     rpcClient,
		logger:  logger,
		metrics: m,
	}
}

// TransactionStatus reports whether the transaction with signature hash has
// landed. Signatures the cluster has not seen, or has only processed, report
// engine.ErrNotFoundYet.
func (c *StatusClient) TransactionStatus(ctx context.Context, hash string) (engine.ChainStatus, error) {
	sig, err := solana.SignatureFromBase58(hash)
	if err != nil {
		return engine.ChainStatus{}, fmt.Errorf("invalid signature %q: %w", hash, err)
	}

	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	status := "success"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(chainLabel, "GetSignatureStatuses", status, time.Since(start).Seconds())
	}
	if err != nil {
		return engine.ChainStatus{}, fmt.Errorf("failed to get signature status: %w", err)
	}

	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return engine.ChainStatus{}, engine.ErrNotFoundYet
	}
	result := out.Value[0]

	if result.Err != nil {
		c.logger.DebugContext(ctx, "transaction failed on chain",
			"signature", hash,
			"slot", result.Slot,
			"error", result.Err,
		)
		return engine.ChainStatus{Success: false, VMStatus: fmt.Sprint(result.Err)}, nil
	}

	switch result.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return engine.ChainStatus{Success: true, VMStatus: string(result.ConfirmationStatus)}, nil
	default:
		return engine.ChainStatus{}, engine.ErrNotFoundYet
	}
}
