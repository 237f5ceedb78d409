package temporal

import (
	"context"
	"time"
)

// RebalanceSchedule is a recurring drift check for one wallet.
type RebalanceSchedule struct {
	RebalanceCheckInput
	Interval time.Duration `json:"interval"`
}

// Scheduler manages Temporal schedules for drift checks. Each wallet gets
// its own schedule that triggers RebalanceCheckWorkflow.
type Scheduler interface {
	// UpsertRebalanceSchedule creates the wallet's schedule or replaces its
	// interval and check parameters.
	UpsertRebalanceSchedule(ctx context.Context, schedule RebalanceSchedule) error

	// DeleteRebalanceSchedule stops the wallet's drift checks.
	DeleteRebalanceSchedule(ctx context.Context, wallet string) error
}

// ScheduleID returns the Temporal schedule ID for a wallet address.
func ScheduleID(wallet string) string {
	return "rebalance-check-" + wallet
}
