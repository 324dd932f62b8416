package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"bitbucket.org/mmdatafocus/clearance_backend/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu   sync.Mutex
	fail error
	got  []models.NoticeOutbox
}

func (p *fakePublisher) Publish(ctx context.Context, rec models.NoticeOutbox) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, rec)
	if p.fail != nil {
		return "", p.fail
	}
	return "msg-1", nil
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func loadOutbox(t *testing.T, n *OutboxNotifier, id int) models.NoticeOutbox {
	t.Helper()
	var rec models.NoticeOutbox
	require.NoError(t, n.DB.Where("id = ?", id).First(&rec).Error)
	return rec
}

func TestDispatcher_PublishesQueuedNotice(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	n := NewOutboxNotifier(db)
	require.NoError(t, n.Notify(ctx, models.Notice{Recipient: 7, Kind: models.NoticeKindReminder, RequestId: 3, OpenCount: 4}))

	pub := &fakePublisher{}
	d := NewDispatcher(db, pub, nil)
	assert.Equal(t, 1, d.DispatchOnce(ctx))
	require.Len(t, pub.got, 1)

	var notice models.Notice
	require.NoError(t, json.Unmarshal(pub.got[0].Body, &notice))
	assert.Equal(t, 7, notice.Recipient)
	assert.Equal(t, 4, notice.OpenCount)

	rec := loadOutbox(t, n, pub.got[0].ID)
	assert.Equal(t, models.OutboxPublishStatusSent, rec.PublishStatus)
	assert.Equal(t, 1, rec.PublishAttempts)
	require.NotNil(t, rec.MessageId)
	assert.Equal(t, "msg-1", *rec.MessageId)

	// Nothing left to send.
	assert.Equal(t, 0, d.DispatchOnce(ctx))
	assert.Len(t, pub.got, 1)
}

func TestDispatcher_BackoffThenDead(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	n := NewOutboxNotifier(db)
	require.NoError(t, n.Notify(ctx, models.Notice{Recipient: 1, Kind: models.NoticeKindAssignment}))

	clk := &clock{t: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	pub := &fakePublisher{fail: errors.New("unavailable")}
	d := NewDispatcher(db, pub, nil)
	d.Now = clk.Now
	d.MaxAttempts = 2
	d.InitialBackoff = time.Minute

	assert.Equal(t, 0, d.DispatchOnce(ctx))
	rec := loadOutbox(t, n, 1)
	assert.Equal(t, models.OutboxPublishStatusFailed, rec.PublishStatus)
	require.NotNil(t, rec.NextAttemptAt)
	assert.True(t, rec.NextAttemptAt.Equal(clk.t.Add(time.Minute)))

	// Not due yet.
	d.DispatchOnce(ctx)
	assert.Len(t, pub.got, 1)

	clk.t = clk.t.Add(2 * time.Minute)
	d.DispatchOnce(ctx)
	assert.Len(t, pub.got, 2)
	rec = loadOutbox(t, n, 1)
	assert.Equal(t, models.OutboxPublishStatusDead, rec.PublishStatus)
	require.NotNil(t, rec.LastPublishError)
	assert.Contains(t, *rec.LastPublishError, "unavailable")
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, Backoff(5*time.Second, 1))
	assert.Equal(t, 20*time.Second, Backoff(5*time.Second, 3))
	assert.Equal(t, 10*time.Minute, Backoff(5*time.Second, 30))
}

type recordingNotifier struct {
	err error
	got []models.Notice
}

func (r *recordingNotifier) Notify(ctx context.Context, n models.Notice) error {
	r.got = append(r.got, n)
	return r.err
}

func TestFanOut_DeliversToAllAndJoinsErrors(t *testing.T) {
	a := &recordingNotifier{err: errors.New("a down")}
	b := &recordingNotifier{}
	err := FanOut{a, b, &LogNotifier{}}.Notify(context.Background(), models.Notice{Recipient: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a down")
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}
