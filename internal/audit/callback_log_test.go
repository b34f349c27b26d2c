// internal/audit/callback_log_test.go
package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogRecorder(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewLogRecorder(zap.New(core))

	err := r.Record(context.Background(), Entry{
		Provider:      "payping",
		IntentID:      "abc",
		Authenticated: false,
		Outcome:       "unauthenticated",
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("callback received").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "payping", fields["provider"])
	assert.Equal(t, "unauthenticated", fields["outcome"])
	assert.Equal(t, false, fields["authenticated"])
}
