package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	e, err := New(SchemaChanged, "oms/commit-store", &SchemaChangedData{
		Branch:       "mainline",
		ResourceKind: "object_type",
		ResourceID:   "user",
		Version:      3,
		ChangeType:   "update",
	})
	require.NoError(t, err)
	assert.Equal(t, SpecVersion, e.SpecVersion)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "oms/commit-store", e.Source)
	assert.Equal(t, SchemaChanged, e.Type)
	assert.Equal(t, "application/json", e.DataContentType)
	assert.False(t, e.Time.IsZero())
	require.NoError(t, e.Validate())
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	e, err := New(MergeCompleted, "oms/merge-engine", &MergeCompletedData{
		Branch: "mainline", Source: "feature", MaxSeverity: "INFO", Conflicts: 1,
	})
	require.NoError(t, err)
	raw, err := e.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Type, got.Type)

	var d MergeCompletedData
	require.NoError(t, got.DecodeData(&d))
	assert.Equal(t, "feature", d.Source)
	assert.Equal(t, 1, d.Conflicts)
}

func TestUnmarshalRejectsIllFormed(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)

	// missing required attributes
	_, err = Unmarshal([]byte(`{"specversion":"1.0","id":"a","type":"x"}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"specversion":"0.3","id":"a","source":"s","type":"x","time":"2026-01-01T00:00:00Z"}`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	good := &Envelope{SpecVersion: SpecVersion, ID: "a", Source: "s", Type: BranchCreated, Time: time.Now()}
	assert.NoError(t, good.Validate())
	for _, mutate := range []func(*Envelope){
		func(e *Envelope) { e.SpecVersion = "2.0" },
		func(e *Envelope) { e.ID = "" },
		func(e *Envelope) { e.Source = "" },
		func(e *Envelope) { e.Type = "" },
		func(e *Envelope) { e.Time = time.Time{} },
	} {
		e := *good
		mutate(&e)
		assert.Error(t, e.Validate())
	}
}

func TestKnownType(t *testing.T) {
	for _, known := range []string{
		SchemaChanged, SchemaReverted, BranchCreated, MergeCompleted,
		IndexSwitched, LockAcquired, LockReleased, LockAutoReleased,
	} {
		assert.True(t, KnownType(known))
	}
	assert.False(t, KnownType("schema.dropped"))
}
