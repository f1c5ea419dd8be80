package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "oms.events.mainline", Subject("mainline"))
	assert.Equal(t, "oms.events.team-a/v2", Subject("team-a/v2"))
	assert.Equal(t, "oms.events", Subject(""))
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"oms.events.mainline", "oms.events.mainline", true},
		{"oms.events.mainline", "oms.events.feature", false},
		{"oms.events.*", "oms.events.mainline", true},
		{"oms.events.*", "oms.events.mainline.extra", false},
		{"oms.events.#", "oms.events.mainline", true},
		{"oms.events.#", "oms.events.team-a.v2", true},
		{"#", "anything.at.all", true},
		{"oms.*.mainline", "oms.events.mainline", true},
		{"oms.events", "oms.events.mainline", false},
		{"oms.events.mainline.extra", "oms.events.mainline", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, matchSubject(c.pattern, c.subject), "%s vs %s", c.pattern, c.subject)
	}
}

func TestMemBrokerRoundtrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemBroker()

	msgs, err := b.Subscribe(ctx, "oms.events.#", "test")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Subject("mainline"), []byte("payload"), map[string]string{"event-type": "schema.changed"}, "row-1"))

	got := <-msgs
	assert.Equal(t, "row-1", got.ID)
	assert.Equal(t, "oms.events.mainline", got.Subject)
	assert.Equal(t, "payload", string(got.Payload))
	assert.Equal(t, "schema.changed", got.Headers["event-type"])
	require.Len(t, b.Published, 1)

	// subscribers on other patterns see nothing
	other, err := b.Subscribe(ctx, "oms.events.feature", "test")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, Subject("mainline"), []byte("again"), nil, "row-2"))
	select {
	case m := <-other:
		t.Fatalf("unexpected delivery %q", m.ID)
	default:
	}
}

func TestMemBrokerClose(t *testing.T) {
	b := NewMemBroker()
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), Subject("mainline"), nil, nil, "row-1")
	assert.Error(t, err)
}
