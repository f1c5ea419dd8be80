package outbox

import (
	"context"
	"testing"

	"github.com/antgroup/oms/pkg/serve/database"
	"github.com/antgroup/oms/pkg/serve/database/dbtest"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBroker fails a fixed set of publishes by ordinal. Errors are permanent
// so the in-attempt backoff returns immediately.
type flakyBroker struct {
	*MemBroker
	calls  int
	failOn map[int]bool
}

func (b *flakyBroker) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string, key string) error {
	b.calls++
	if b.failOn[b.calls] {
		return backoff.Permanent(assert.AnError)
	}
	return b.MemBroker.Publish(ctx, subject, payload, headers, key)
}

func stageRows(t *testing.T, db *dbtest.MemDB, branch string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, db.InsertOutbox(context.Background(), &database.OutboxRow{
			Branch:    branch,
			EventType: "schema.changed",
			Payload:   []byte(`{"specversion":"1.0"}`),
		}))
	}
}

func TestDrainOncePublishesInOrder(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	broker := NewMemBroker()
	p := NewPublisher(db, broker, PublisherOptions{})
	stageRows(t, db, "mainline", 3)

	require.NoError(t, p.DrainOnce(ctx))
	require.Len(t, broker.Published, 3)
	assert.Equal(t, "1", broker.Published[0].ID)
	assert.Equal(t, "2", broker.Published[1].ID)
	assert.Equal(t, "3", broker.Published[2].ID)
	assert.Empty(t, db.OutboxRows())
}

func TestDrainOnceStopsBatchOnFailure(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	broker := &flakyBroker{MemBroker: NewMemBroker(), failOn: map[int]bool{2: true}}
	p := NewPublisher(db, broker, PublisherOptions{})
	stageRows(t, db, "mainline", 3)

	require.NoError(t, p.DrainOnce(ctx))

	// the first row went out, then the batch stopped so the failed row cannot
	// be overtaken by later ones
	require.Len(t, broker.Published, 1)
	assert.Equal(t, "1", broker.Published[0].ID)
	remaining := db.OutboxRows()
	require.Len(t, remaining, 2)
	assert.Equal(t, 1, remaining[0].Attempts)

	// the next drain resumes from the failed row
	require.NoError(t, p.DrainOnce(ctx))
	assert.Len(t, broker.Published, 3)
	assert.Empty(t, db.OutboxRows())
}

func TestDrainOnceBuriesExhaustedRows(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New()
	broker := &flakyBroker{MemBroker: NewMemBroker(), failOn: map[int]bool{1: true, 2: true}}
	p := NewPublisher(db, broker, PublisherOptions{MaxAttempts: 1})
	stageRows(t, db, "mainline", 2)

	require.NoError(t, p.DrainOnce(ctx))
	assert.Empty(t, broker.Published)
	assert.Empty(t, db.OutboxRows())
	dead := db.DeadRows()
	require.Len(t, dead, 2)
	assert.NotEmpty(t, dead[0].LastError)
}

func TestPublisherOptionsSanitize(t *testing.T) {
	opts := PublisherOptions{}
	opts.Sanitize()
	assert.Equal(t, 100, opts.BatchSize)
	assert.Equal(t, 10, opts.MaxAttempts)
	assert.NotZero(t, opts.PollInterval)
	assert.NotZero(t, opts.DeadRetention)
}
