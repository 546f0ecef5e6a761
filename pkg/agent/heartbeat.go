package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// heartbeatType identifies this component class on the cloud side.
const heartbeatType = "GATEWAY"

// HeartbeatConfig holds the liveness reporting settings.
type HeartbeatConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Identifier string        `yaml:"identifier"`
}

// DefaultHeartbeatConfig returns the default liveness settings. The
// identifier defaults to a random instance ID generated at startup.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 60 * time.Second,
	}
}

// HeartbeatService periodically reports this agent instance as alive to
// the cloud.
type HeartbeatService struct {
	config    HeartbeatConfig
	backstage *BackstageClient
	logger    *zap.Logger

	identifier string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatService creates a heartbeat service.
func NewHeartbeatService(config HeartbeatConfig, backstage *BackstageClient, logger *zap.Logger) *HeartbeatService {
	identifier := config.Identifier
	if identifier == "" {
		identifier = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HeartbeatService{
		config:     config,
		backstage:  backstage,
		logger:     logger,
		identifier: identifier,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Identifier returns the instance identifier reported to the cloud.
func (s *HeartbeatService) Identifier() string {
	return s.identifier
}

// Start launches the heartbeat loop. The first beat is sent immediately.
func (s *HeartbeatService) Start() error {
	s.logger.Info("Starting heartbeat service",
		zap.String("identifier", s.identifier),
		zap.Duration("interval", s.config.Interval),
	)

	s.wg.Add(1)
	go s.loop()

	return nil
}

// Stop terminates the heartbeat loop.
func (s *HeartbeatService) Stop() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *HeartbeatService) loop() {
	defer s.wg.Done()

	s.beat()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.beat()
		}
	}
}

func (s *HeartbeatService) beat() {
	if err := s.backstage.RefreshHeartbeat(s.ctx, heartbeatType, s.identifier); err != nil {
		s.logger.Warn("Failed to refresh heartbeat", zap.Error(err))
		return
	}
	s.logger.Debug("Heartbeat refreshed", zap.String("identifier", s.identifier))
}
