package temporal

import (
	"context"
	"fmt"
	"sync"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]RebalanceSchedule
	upsertErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]RebalanceSchedule),
	}
}

// UpsertRebalanceSchedule records the schedule.
func (m *MockScheduler) UpsertRebalanceSchedule(ctx context.Context, s RebalanceSchedule) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[ScheduleID(s.WalletAddress)] = s
	return nil
}

// DeleteRebalanceSchedule removes the wallet's schedule.
func (m *MockScheduler) DeleteRebalanceSchedule(ctx context.Context, wallet string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := ScheduleID(wallet)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.schedules, id)
	return nil
}

// SetUpsertError makes UpsertRebalanceSchedule return an error.
func (m *MockScheduler) SetUpsertError(err error) {
	m.upsertErr = err
}

// SetDeleteError makes DeleteRebalanceSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// Schedule returns the stored schedule for a wallet.
func (m *MockScheduler) Schedule(wallet string) (RebalanceSchedule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[ScheduleID(wallet)]
	return s, ok
}

// ScheduleCount returns the number of schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}

// Reset clears all schedules and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = make(map[string]RebalanceSchedule)
	m.upsertErr = nil
	m.deleteErr = nil
}
