package workflow

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/directory"
	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/snapshot"
	"bitbucket.org/mmdatafocus/clearance_backend/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []models.Notice
}

func (r *recordingNotifier) Notify(ctx context.Context, n models.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recordingNotifier) filter(kind models.NoticeKind, recipient int) []models.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notice
	for _, n := range r.notices {
		if n.Kind == kind && (recipient == 0 || n.Recipient == recipient) {
			out = append(out, n)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type testEnv struct {
	DB       *gorm.DB
	Engine   *Engine
	Notifier *recordingNotifier
	Clock    *fakeClock
}

func newTestEnv(t *testing.T, opts EngineOptions) *testEnv {
	t.Helper()
	db := testutil.OpenDB(t)
	return newTestEnvWithState(t, db, NewMemorySchedulerState(), opts)
}

func newTestEnvWithState(t *testing.T, db *gorm.DB, state SchedulerState, opts EngineOptions) *testEnv {
	t.Helper()
	if opts.ReminderInterval == 0 {
		opts.ReminderInterval = 15 * time.Minute
	}
	if opts.ReminderMaxCount == 0 {
		opts.ReminderMaxCount = 3
	}
	n := &recordingNotifier{}
	clk := newFakeClock()
	e := NewEngine(db, directory.New(db), &directory.CheckpointTable{DB: db}, n, snapshot.NewGormStore(db), state, quietLogger(), opts)
	e.Reminders.Now = clk.Now
	return &testEnv{DB: db, Engine: e, Notifier: n, Clock: clk}
}

func (env *testEnv) create(t *testing.T, typ models.RequestType, branchId, brandId int, original *models.Snapshot) *models.Request {
	t.Helper()
	req, err := env.Engine.Create(context.Background(), &models.NewRequest{
		Type:      typ,
		BranchId:  branchId,
		BrandId:   brandId,
		Amount:    decimal.NewFromInt(1000),
		CreatedBy: 999,
		Original:  original,
	}, "")
	require.NoError(t, err)
	return req
}

func (env *testEnv) reload(t *testing.T, id int) *models.Request {
	t.Helper()
	req, err := models.GetRequest(context.Background(), env.DB, id)
	require.NoError(t, err)
	return req
}

func (env *testEnv) entries(t *testing.T, id int) []*models.ApprovalLogEntry {
	t.Helper()
	out, err := models.ListLogEntries(context.Background(), env.DB, id)
	require.NoError(t, err)
	return out
}

func snap(rows ...models.SnapshotRow) models.Snapshot {
	return models.Snapshot{Rows: rows}
}

func row(key string, qty, amount int64) models.SnapshotRow {
	return models.SnapshotRow{Key: key, Label: key, Quantity: decimal.NewFromInt(qty), Amount: decimal.NewFromInt(amount)}
}

// memSnapshotStore keeps originals in memory. failSaves makes the next saves
// fail; every load records whether the request was locked at that moment.
type memSnapshotStore struct {
	mu           sync.Mutex
	db           *gorm.DB
	failSaves    int
	originals    map[int]models.Snapshot
	lockedOnLoad []bool
}

func newMemSnapshotStore(db *gorm.DB) *memSnapshotStore {
	return &memSnapshotStore{db: db, originals: make(map[int]models.Snapshot)}
}

func (s *memSnapshotStore) SaveOriginal(ctx context.Context, requestId int, snap models.Snapshot, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("storage unavailable")
	}
	s.originals[requestId] = snap
	return nil
}

func (s *memSnapshotStore) LoadOriginal(ctx context.Context, requestId int) (models.Snapshot, error) {
	req, err := models.GetRequest(ctx, s.db, requestId)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lockedOnLoad = append(s.lockedOnLoad, req.IsLocked())
	}
	snap, ok := s.originals[requestId]
	if !ok {
		return models.Snapshot{}, models.ErrSnapshotNotFound
	}
	return snap, nil
}
