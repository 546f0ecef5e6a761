package backstage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// userDataRecord is the on-disk form of a captured guest identity.
type userDataRecord struct {
	FirstName      string    `json:"firstName"`
	LastName       string    `json:"lastName"`
	Email          string    `json:"email"`
	ConsentText    string    `json:"consentText"`
	SiteIdentifier string    `json:"siteIdentifier"`
	CapturedAt     time.Time `json:"capturedAt"`
}

// FileUserDataSink appends captured guest identities to a JSON lines file.
type FileUserDataSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
}

// NewFileUserDataSink opens (or creates) the capture file for appending.
func NewFileUserDataSink(path string, logger *zap.Logger) (*FileUserDataSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open user data file: %w", err)
	}
	return &FileUserDataSink{file: file, logger: logger}, nil
}

// Record appends one guest identity.
func (s *FileUserDataSink) Record(ctx context.Context, data UserData) error {
	record := userDataRecord{
		FirstName:      data.FirstName,
		LastName:       data.LastName,
		Email:          data.Email,
		ConsentText:    data.ConsentText,
		SiteIdentifier: data.SiteIdentifier,
		CapturedAt:     time.Now().UTC(),
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode user data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write user data: %w", err)
	}
	return nil
}

// Close closes the capture file.
func (s *FileUserDataSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
