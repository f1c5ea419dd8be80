package outbox

import (
	"testing"

	"github.com/antgroup/oms/modules/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsBreaking(t *testing.T) {
	assert.True(t, isBreaking("delete", nil))
	assert.True(t, isBreaking("update", []string{"/properties/email/required"}))
	assert.False(t, isBreaking("update", []string{"/description"}))
	assert.False(t, isBreaking("create", nil))
}

func TestDefaultTagger(t *testing.T) {
	tags := DefaultTagger("object_type", "patient_record", []byte(`{"properties":{"email":{},"payment_method":{}}}`))
	assert.ElementsMatch(t, []string{"PII", "FINANCIAL", "HEALTH"}, tags)

	// repeated keywords do not duplicate the tag
	tags = DefaultTagger("object_type", "invoice", []byte(`{"invoice_number":1,"payment":{}}`))
	assert.Equal(t, []string{"FINANCIAL"}, tags)

	assert.Empty(t, DefaultTagger("object_type", "widget", []byte(`{"color":"red"}`)))
}

func TestDefaultClassifier(t *testing.T) {
	assert.Equal(t, "confidential", DefaultClassifier("object_type", "patient"))
	assert.Equal(t, "internal", DefaultClassifier("object_type", "widget"))
}

func TestDeriveDeleteIsWarning(t *testing.T) {
	s, _ := newSubscriber(t, SubscriberOptions{})
	e, err := events.New(events.SchemaChanged, "oms/commit-store", &events.SchemaChangedData{
		Branch: "mainline", ResourceKind: "object_type", ResourceID: "user",
		Version: 3, ChangeType: "delete", Author: "tester",
	})
	require.NoError(t, err)

	history, audit, err := s.derive(e)
	require.NoError(t, err)
	require.NotNil(t, history)
	require.NotNil(t, audit)
	assert.Equal(t, "warning", audit.Severity)
	assert.Contains(t, string(history.Changes), `"breaking":true`)
}

func TestDeriveMergeCompleted(t *testing.T) {
	s, _ := newSubscriber(t, SubscriberOptions{})
	e, err := events.New(events.MergeCompleted, "oms/merge-engine", &events.MergeCompletedData{
		Branch: "mainline", Source: "feature", Actor: "tester",
		MaxSeverity: "WARN", Conflicts: 2,
	})
	require.NoError(t, err)

	history, audit, err := s.derive(e)
	require.NoError(t, err)
	require.NotNil(t, history)
	assert.Equal(t, events.MergeCompleted, history.Operation)
	require.NotNil(t, audit)
	assert.Equal(t, "notice", audit.Severity)
	assert.Equal(t, "branch/mainline<-feature", audit.Target)
}

func TestDeriveLockEventsAuditOnly(t *testing.T) {
	s, _ := newSubscriber(t, SubscriberOptions{})
	for _, c := range []struct {
		eventType string
		severity  string
	}{
		{events.LockAcquired, "info"},
		{events.LockReleased, "info"},
		{events.LockAutoReleased, "warning"},
	} {
		e, err := events.New(c.eventType, "oms/lock-manager", &events.LockEventData{
			Branch: "mainline", LockID: "lk-1", Holder: "worker-1",
		})
		require.NoError(t, err)
		history, audit, err := s.derive(e)
		require.NoError(t, err)
		assert.Nil(t, history, c.eventType)
		require.NotNil(t, audit, c.eventType)
		assert.Equal(t, c.severity, audit.Severity, c.eventType)
		assert.Equal(t, "worker-1", audit.Actor)
	}
}
