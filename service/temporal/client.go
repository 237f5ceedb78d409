package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

func (c *Client) workflowAction(s RebalanceSchedule) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        "rebalance-check-" + s.WalletAddress,
		Workflow:  RebalanceCheckWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{s.RebalanceCheckInput},
	}
}

// UpsertRebalanceSchedule creates or updates the wallet's drift-check
// schedule.
func (c *Client) UpsertRebalanceSchedule(ctx context.Context, s RebalanceSchedule) error {
	if s.WalletAddress == "" {
		return fmt.Errorf("wallet address is required")
	}
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	id := ScheduleID(s.WalletAddress)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.createSchedule(ctx, id, s)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: s.Interval},
			}
			input.Description.Schedule.Action = c.workflowAction(s)
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"wallet", s.WalletAddress,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("rebalance schedule updated",
		"wallet", s.WalletAddress,
		"schedule_id", id,
		"interval", s.Interval,
		"auto_execute", s.AutoExecute,
	)
	return nil
}

func (c *Client) createSchedule(ctx context.Context, id string, s RebalanceSchedule) error {
	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: s.Interval}},
		},
		Action: c.workflowAction(s),
		Memo: map[string]interface{}{
			"wallet_address": s.WalletAddress,
			"auto_execute":   s.AutoExecute,
			"created_by":     "rebalancer",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"wallet", s.WalletAddress,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("rebalance schedule created",
		"wallet", s.WalletAddress,
		"schedule_id", id,
		"interval", s.Interval,
		"auto_execute", s.AutoExecute,
	)
	return nil
}

// DeleteRebalanceSchedule deletes the wallet's drift-check schedule.
func (c *Client) DeleteRebalanceSchedule(ctx context.Context, wallet string) error {
	id := ScheduleID(wallet)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"wallet", wallet,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("rebalance schedule deleted",
		"wallet", wallet,
		"schedule_id", id,
	)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
