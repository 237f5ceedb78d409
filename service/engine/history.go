package engine

import (
	"strings"
	"time"
)

// DefaultHistoryLimit is the number of entries kept per wallet.
const DefaultHistoryLimit = 50

// HistoryKind distinguishes single transactions from strategy summaries.
type HistoryKind string

const (
	HistoryTransaction HistoryKind = "transaction"
	HistoryStrategy    HistoryKind = "strategy"
)

// StrategySummary is the history form of a StrategyResult.
type StrategySummary struct {
	BatchID         string    `json:"batch_id"`
	Total           int       `json:"total"`
	SuccessfulCount int       `json:"successful_count"`
	FailedCount     int       `json:"failed_count"`
	SkippedCount    int       `json:"skipped_count"`
	Success         bool      `json:"success"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// HistoryEntry is one completed transaction or strategy.
type HistoryEntry struct {
	Kind       HistoryKind        `json:"kind"`
	Wallet     string             `json:"wallet"`
	Record     *TransactionRecord `json:"record,omitempty"`
	Strategy   *StrategySummary   `json:"strategy,omitempty"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// HistoryStore is a per-wallet log, newest first, capped at a fixed size.
// It is not synchronized; the Engine guards it with its own lock.
type HistoryStore struct {
	limit   int
	entries map[string][]HistoryEntry
}

// NewHistoryStore creates a store keeping at most limit entries per wallet.
func NewHistoryStore(limit int) *HistoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryStore{
		limit:   limit,
		entries: make(map[string][]HistoryEntry),
	}
}

func walletKey(wallet string) string {
	return strings.TrimSpace(wallet)
}

// Record prepends entry and evicts the oldest entries beyond the cap.
func (h *HistoryStore) Record(wallet string, entry HistoryEntry) HistoryEntry {
	key := walletKey(wallet)
	entry.Wallet = key
	list := h.entries[key]
	list = append(list, HistoryEntry{})
	copy(list[1:], list)
	list[0] = entry
	if len(list) > h.limit {
		list = list[:h.limit]
	}
	h.entries[key] = list
	return entry
}

// Get returns a copy of the wallet's history, newest first.
func (h *HistoryStore) Get(wallet string) []HistoryEntry {
	list := h.entries[walletKey(wallet)]
	out := make([]HistoryEntry, len(list))
	copy(out, list)
	return out
}

// Clear drops the wallet's history.
func (h *HistoryStore) Clear(wallet string) {
	delete(h.entries, walletKey(wallet))
}

// FindTransaction returns the most recent record with the given hash.
func (h *HistoryStore) FindTransaction(hash string) (*TransactionRecord, bool) {
	for _, list := range h.entries {
		for _, e := range list {
			if e.Record != nil && e.Record.Hash == hash {
				return e.Record, true
			}
		}
	}
	return nil, false
}
