package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uc-gas/gas/internal/bus"
	"github.com/uc-gas/gas/internal/domain"
	"github.com/uc-gas/gas/internal/identity"
)

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, to, subject, body, jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to+"|"+subject+"|"+body+"|"+jobID)
	return nil
}

func publishCompleted(t *testing.T, b *bus.Bus, topic string, event domain.JobCompleted) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), topic, event))
}

func TestProcessOnceSendsEmailAndAcks(t *testing.T) {
	idp := identity.NewInMemory()
	idp.Register("user-1", "user1@example.com", domain.TierFree)

	sender := &fakeSender{}
	b := bus.New(zap.NewNop())
	q := b.DeclareQueue("notifications")
	require.NoError(t, b.Subscribe("job-completed", "notifications"))

	svc := New(q, idp, StaticConfig(SMTPConfig{From: "gas@example.com"}), time.UTC, zap.NewNop())
	svc.sender = sender
	svc.visibilityTimeout = 10 * time.Millisecond

	completeTime := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	publishCompleted(t, b, "job-completed", domain.JobCompleted{
		JobID:        "job-abc",
		UserID:       "user-1",
		CompleteTime: completeTime,
	})

	processed, err := svc.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0], "user1@example.com")
	assert.Contains(t, sender.sent[0], "job-abc")

	// Message must have been acked: nothing redelivers after visibility expiry.
	time.Sleep(30 * time.Millisecond)
	redelivered, err := q.Receive(context.Background(), 5*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, redelivered)
}

func TestProcessOnceLeavesMessageOnTransientFailure(t *testing.T) {
	idp := identity.NewInMemory()
	idp.Register("user-2", "user2@example.com", domain.TierFree)

	sender := &fakeSender{err: ErrSendFailed}
	b := bus.New(zap.NewNop())
	q := b.DeclareQueue("notifications")
	require.NoError(t, b.Subscribe("job-completed", "notifications"))

	svc := New(q, idp, StaticConfig(SMTPConfig{From: "gas@example.com"}), time.UTC, zap.NewNop())
	svc.sender = sender
	svc.visibilityTimeout = 10 * time.Millisecond

	publishCompleted(t, b, "job-completed", domain.JobCompleted{
		JobID:        "job-xyz",
		UserID:       "user-2",
		CompleteTime: time.Now(),
	})

	processed, err := svc.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	time.Sleep(30 * time.Millisecond)

	redelivered, err := q.Receive(context.Background(), time.Second, time.Minute)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)

	var got domain.JobCompleted
	require.NoError(t, json.Unmarshal(bus.UnwrapEnvelope(redelivered[0].Body), &got))
	assert.Equal(t, "job-xyz", got.JobID)
}

func TestProcessOnceDiscardsOnUnknownRecipient(t *testing.T) {
	idp := identity.NewInMemory() // no users registered

	sender := &fakeSender{}
	b := bus.New(zap.NewNop())
	q := b.DeclareQueue("notifications")
	require.NoError(t, b.Subscribe("job-completed", "notifications"))

	svc := New(q, idp, StaticConfig(SMTPConfig{From: "gas@example.com"}), time.UTC, zap.NewNop())
	svc.sender = sender

	publishCompleted(t, b, "job-completed", domain.JobCompleted{
		JobID:        "job-lost",
		UserID:       "ghost",
		CompleteTime: time.Now(),
	})

	processed, err := svc.ProcessOnce(context.Background())
	assert.True(t, processed)
	assert.Error(t, err)
	assert.Empty(t, sender.sent)

	redelivered, err := q.Receive(context.Background(), 5*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, redelivered, "permanent failure must discard, not redeliver")
}
