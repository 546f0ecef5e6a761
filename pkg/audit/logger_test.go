package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordAndFlush(t *testing.T) {
	storage := NewMemoryStorage()
	logger := NewLogger(Config{BufferSize: 16, FlushInterval: 10 * time.Millisecond}, storage, zap.NewNop())
	require.NoError(t, logger.Start())

	logger.Record(Event{
		Type:           EventAuthSuccess,
		RequestID:      "aa:ap::site",
		SiteIdentifier: "orpheum-guest",
		Outcome:        "SUCCESS",
	})
	logger.Record(Event{
		Type:           EventAuthFailure,
		SiteIdentifier: "orpheum-guest",
		Outcome:        "FAILED",
		Message:        "Http request failure",
	})

	assert.Eventually(t, func() bool {
		return storage.Len() == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, logger.Stop())

	events := storage.Query(&Query{Types: []EventType{EventAuthSuccess}})
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID, "IDs are assigned on record")
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestStopDrainsBuffer(t *testing.T) {
	storage := NewMemoryStorage()
	// Long flush interval: only the shutdown drain can persist these.
	logger := NewLogger(Config{BufferSize: 16, FlushInterval: time.Hour}, storage, zap.NewNop())
	require.NoError(t, logger.Start())

	logger.Record(Event{Type: EventUserDataCaptured, SiteIdentifier: "orpheum-guest"})
	require.NoError(t, logger.Stop())

	assert.Equal(t, 1, storage.Len())
}

func TestFullBufferDropsEvents(t *testing.T) {
	storage := NewMemoryStorage()
	logger := NewLogger(Config{BufferSize: 1, FlushInterval: time.Hour}, storage, zap.NewNop())
	// Not started: nothing consumes the channel.

	logger.Record(Event{Type: EventAuthRequested})
	logger.Record(Event{Type: EventAuthRequested})

	assert.Equal(t, int64(1), logger.Dropped())
}

func TestQueryFilters(t *testing.T) {
	storage := NewMemoryStorage()
	logger := NewLogger(DefaultConfig(), storage, zap.NewNop())
	require.NoError(t, logger.Start())

	logger.Record(Event{Type: EventAuthSuccess, SiteIdentifier: "venue-a"})
	logger.Record(Event{Type: EventAuthSuccess, SiteIdentifier: "venue-b"})
	logger.Record(Event{Type: EventHeartbeatRefresh, AgentIdentifier: "agent-1"})
	require.NoError(t, logger.Stop())

	assert.Len(t, storage.Query(&Query{SiteIdentifier: "venue-a"}), 1)
	assert.Len(t, storage.Query(&Query{Types: []EventType{EventAuthSuccess}}), 2)
	assert.Len(t, storage.Query(&Query{Types: []EventType{EventAuthSuccess}, Limit: 1}), 1)
	assert.Len(t, storage.Query(&Query{Since: time.Now().Add(time.Minute)}), 0)
}
