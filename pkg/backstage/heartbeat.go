package backstage

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Heartbeat records the last time a remote component checked in.
type Heartbeat struct {
	Type       string    `json:"type"`
	Identifier string    `json:"identifier"`
	LastSeen   time.Time `json:"lastSeen"`
}

// HeartbeatStore tracks agent and database liveness signals in memory.
// Durable heartbeat persistence lives behind an external collaborator; the
// broker only needs the current view to answer status queries.
type HeartbeatStore struct {
	logger *zap.Logger

	mu     sync.RWMutex
	beats  map[string]Heartbeat
	window time.Duration
}

// NewHeartbeatStore creates a heartbeat store. Entries older than the
// staleness window are reported as stale, not removed.
func NewHeartbeatStore(window time.Duration, logger *zap.Logger) *HeartbeatStore {
	return &HeartbeatStore{
		logger: logger,
		beats:  make(map[string]Heartbeat),
		window: window,
	}
}

// Refresh records a heartbeat for the given (type, identifier) pair.
func (s *HeartbeatStore) Refresh(hbType, identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hbType + ":" + identifier
	s.beats[key] = Heartbeat{
		Type:       hbType,
		Identifier: identifier,
		LastSeen:   time.Now(),
	}
	s.logger.Debug("Heartbeat refreshed",
		zap.String("type", hbType),
		zap.String("identifier", identifier),
	)
}

// All returns the current heartbeat view.
func (s *HeartbeatStore) All() []Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	beats := make([]Heartbeat, 0, len(s.beats))
	for _, hb := range s.beats {
		beats = append(beats, hb)
	}
	return beats
}

// Stale returns the heartbeats not refreshed within the staleness window.
func (s *HeartbeatStore) Stale() []Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-s.window)
	var stale []Heartbeat
	for _, hb := range s.beats {
		if hb.LastSeen.Before(cutoff) {
			stale = append(stale, hb)
		}
	}
	return stale
}
