package workflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReminderTimer is the armed reminder of one request.
type ReminderTimer struct {
	RequestId  int       `json:"request_id"`
	NextFire   time.Time `json:"next_fire"`
	FiredCount int       `json:"fired_count"`
	MaxCount   int       `json:"max_count"`
	ArmedAt    time.Time `json:"armed_at"`
	// ArmId changes on every Arm; ticks only write back a timer they loaded.
	ArmId string `json:"arm_id"`
}

// SchedulerState holds the reminder scheduler's timers and per-recipient
// dedupe marks. One state belongs to one scheduler.
type SchedulerState interface {
	SaveTimer(ctx context.Context, t *ReminderTimer) error
	// LoadTimer returns (nil, nil) when the request is not armed.
	LoadTimer(ctx context.Context, requestId int) (*ReminderTimer, error)
	// DeleteTimer reports whether a timer existed.
	DeleteTimer(ctx context.Context, requestId int) (bool, error)
	// ReplaceTimer stores next only while the stored timer still carries armId.
	// A nil next deletes it under the same condition.
	ReplaceTimer(ctx context.Context, requestId int, armId string, next *ReminderTimer) (bool, error)
	DueTimers(ctx context.Context, now time.Time) ([]int, error)
	LastNotified(ctx context.Context, recipient int) (time.Time, bool, error)
	MarkNotified(ctx context.Context, recipient int, at time.Time, ttl time.Duration) error
}

// MemorySchedulerState keeps timers in process memory. Timers vanish on
// restart; ReminderScheduler.ArmOpen re-creates them.
type MemorySchedulerState struct {
	mu       sync.Mutex
	timers   map[int]ReminderTimer
	notified map[int]time.Time
}

func NewMemorySchedulerState() *MemorySchedulerState {
	return &MemorySchedulerState{
		timers:   make(map[int]ReminderTimer),
		notified: make(map[int]time.Time),
	}
}

func (s *MemorySchedulerState) SaveTimer(ctx context.Context, t *ReminderTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[t.RequestId] = *t
	return nil
}

func (s *MemorySchedulerState) LoadTimer(ctx context.Context, requestId int) (*ReminderTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[requestId]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *MemorySchedulerState) DeleteTimer(ctx context.Context, requestId int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[requestId]
	delete(s.timers, requestId)
	return ok, nil
}

func (s *MemorySchedulerState) ReplaceTimer(ctx context.Context, requestId int, armId string, next *ReminderTimer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[requestId]
	if !ok || cur.ArmId != armId {
		return false, nil
	}
	if next == nil {
		delete(s.timers, requestId)
	} else {
		s.timers[requestId] = *next
	}
	return true, nil
}

func (s *MemorySchedulerState) DueTimers(ctx context.Context, now time.Time) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for id, t := range s.timers {
		if !t.NextFire.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *MemorySchedulerState) LastNotified(ctx context.Context, recipient int) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.notified[recipient]
	return at, ok, nil
}

func (s *MemorySchedulerState) MarkNotified(ctx context.Context, recipient int, at time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified[recipient] = at
	return nil
}
