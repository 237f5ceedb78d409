package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/rebalancer/service/metrics"
	"github.com/brojonat/rebalancer/service/strategy"
)

const (
	DefaultMaxRetries               = 3
	DefaultInterOperationDelay      = 500 * time.Millisecond
	DefaultConfirmationInitialDelay = 2 * time.Second
	DefaultConfirmationPollInterval = 3 * time.Second
	DefaultConfirmationTimeout      = 60 * time.Second
)

// Config tunes the executor and status monitor.
type Config struct {
	// MaxRetries is how many times a failed submission is retried. Negative
	// values are treated as zero.
	MaxRetries          int
	InterOperationDelay time.Duration
	TokenDecimals       int32
	HistoryLimit        int

	ConfirmationInitialDelay time.Duration
	ConfirmationPollInterval time.Duration
	ConfirmationTimeout      time.Duration

	// Clock defaults to the wall clock.
	Clock Clock
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:               DefaultMaxRetries,
		InterOperationDelay:      DefaultInterOperationDelay,
		TokenDecimals:            strategy.DefaultTokenDecimals,
		HistoryLimit:             DefaultHistoryLimit,
		ConfirmationInitialDelay: DefaultConfirmationInitialDelay,
		ConfirmationPollInterval: DefaultConfirmationPollInterval,
		ConfirmationTimeout:      DefaultConfirmationTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InterOperationDelay < 0 {
		c.InterOperationDelay = 0
	}
	if c.TokenDecimals <= 0 {
		c.TokenDecimals = strategy.DefaultTokenDecimals
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.ConfirmationInitialDelay < 0 {
		c.ConfirmationInitialDelay = DefaultConfirmationInitialDelay
	}
	if c.ConfirmationPollInterval <= 0 {
		c.ConfirmationPollInterval = DefaultConfirmationPollInterval
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	return c
}

// Engine executes operations for wallets: a single sequential worker signs
// and submits queued operations, and each submitted transaction is polled
// for confirmation on its own goroutine.
type Engine struct {
	signer  Signer
	status  StatusQuerier
	cfg     Config
	clock   Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *Bus

	// mu guards everything below. Listeners are never called while it is held.
	mu      sync.Mutex
	queue   []*queueEntry
	active  map[string]*TransactionRecord
	watches map[string]*watch
	history *HistoryStore
	closed  bool

	wake      chan struct{}
	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an Engine. Call Start to begin processing. metrics may be nil.
func New(signer Signer, status StatusQuerier, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		signer:  signer,
		status:  status,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  logger,
		metrics: m,
		bus:     NewBus(logger),
		active:  make(map[string]*TransactionRecord),
		watches: make(map[string]*watch),
		history: NewHistoryStore(cfg.HistoryLimit),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the executor worker. Cancelling ctx has the same effect as
// Close. Calling Start more than once is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		stop := context.AfterFunc(ctx, e.cancel)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer stop()
			e.run(e.ctx)
			e.rejectQueued(ErrEngineClosed)
		}()
		e.logger.Info("engine started",
			"max_retries", e.cfg.MaxRetries,
			"inter_operation_delay", e.cfg.InterOperationDelay,
			"confirmation_timeout", e.cfg.ConfirmationTimeout,
		)
	})
}

// Close stops the worker and all confirmation watches. Queued operations
// are rejected with ErrEngineClosed. Already broadcast transactions are not
// affected on chain.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	e.rejectQueued(ErrEngineClosed)
	return nil
}

// Subscribe registers a listener for engine events.
func (e *Engine) Subscribe(l Listener) SubscriptionID {
	return e.bus.Subscribe(l)
}

// Unsubscribe removes a listener.
func (e *Engine) Unsubscribe(id SubscriptionID) {
	e.bus.Unsubscribe(id)
}

// History returns the wallet's completed transactions and strategies,
// newest first.
func (e *Engine) History(wallet string) []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Get(wallet)
}

// ClearHistory drops the wallet's history.
func (e *Engine) ClearHistory(wallet string) {
	e.mu.Lock()
	e.history.Clear(wallet)
	e.mu.Unlock()

	e.publish(Event{Kind: EventHistoryUpdated, Wallet: walletKey(wallet)})
}

// QueueLength returns the number of operations waiting to be processed.
func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Transaction returns a copy of the record for hash, whether still being
// monitored or already in history.
func (e *Engine) Transaction(hash string) (TransactionRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.active[hash]; ok {
		return *rec, true
	}
	if rec, ok := e.history.FindTransaction(hash); ok {
		return *rec, true
	}
	return TransactionRecord{}, false
}

// ExecuteOperation enqueues op and waits for it to be submitted.
func (e *Engine) ExecuteOperation(ctx context.Context, wallet string, op strategy.Operation) (*TransactionResult, error) {
	return e.Enqueue(wallet, op).Wait(ctx)
}

func (e *Engine) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	e.bus.Publish(ev)
}

func (e *Engine) setQueueDepth(n int) {
	if e.metrics != nil {
		e.metrics.SetQueueDepth(n)
	}
}
