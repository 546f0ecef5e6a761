package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agauci/orpheum/pkg/metrics"
	"github.com/agauci/orpheum/pkg/portal"
	"go.uber.org/zap"
)

// OrchestratorConfig holds the poll loop settings.
type OrchestratorConfig struct {
	SiteIdentifier string        `yaml:"site_identifier"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Workers        int           `yaml:"workers"`
}

// DefaultOrchestratorConfig returns the default poll loop settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PollInterval: 1 * time.Second,
		Workers:      4,
	}
}

// Orchestrator polls the cloud for pending authorisation requests and
// dispatches each at most once to a fixed set of execution workers.
type Orchestrator struct {
	config    OrchestratorConfig
	backstage *BackstageClient
	executor  *Executor
	inflight  *inflightSet
	metrics   *metrics.Agent
	logger    *zap.Logger

	jobs    chan portal.AuthorisationRequest
	polling atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(config OrchestratorConfig, backstage *BackstageClient, executor *Executor,
	m *metrics.Agent, logger *zap.Logger) *Orchestrator {

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		config:    config,
		backstage: backstage,
		executor:  executor,
		inflight:  newInflightSet(),
		metrics:   m,
		logger:    logger,
		jobs:      make(chan portal.AuthorisationRequest, config.Workers*4),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the poll loop and the execution workers.
func (o *Orchestrator) Start() error {
	o.logger.Info("Starting authorisation orchestrator",
		zap.String("site_identifier", o.config.SiteIdentifier),
		zap.Duration("poll_interval", o.config.PollInterval),
		zap.Int("workers", o.config.Workers),
	)

	for i := 0; i < o.config.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}

	o.wg.Add(1)
	go o.pollLoop()

	return nil
}

// Stop terminates the poll loop and waits for in-progress executions.
func (o *Orchestrator) Stop() error {
	o.logger.Info("Stopping authorisation orchestrator")
	o.cancel()
	o.wg.Wait()
	return nil
}

// InflightCount returns the number of requests currently being executed.
func (o *Orchestrator) InflightCount() int {
	return o.inflight.Size()
}

func (o *Orchestrator) pollLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if !o.polling.CompareAndSwap(false, true) {
				continue
			}
			o.pollOnce()
			o.polling.Store(false)
		}
	}
}

// pollOnce fetches the pending requests and queues the ones not already
// in flight.
func (o *Orchestrator) pollOnce() {
	o.metrics.PollCycles.Inc()

	pending, err := o.backstage.PendingAuthorisations(o.ctx, o.config.SiteIdentifier)
	if err != nil {
		o.metrics.PollErrors.Inc()
		o.logger.Warn("Failed to poll pending authorisations", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	fresh := o.inflight.MergeNew(pending)
	if len(fresh) == 0 {
		return
	}

	o.logger.Debug("Queueing authorisation requests",
		zap.Int("pending", len(pending)),
		zap.Int("fresh", len(fresh)),
	)

	for _, request := range fresh {
		select {
		case o.jobs <- request:
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()

	for {
		select {
		case <-o.ctx.Done():
			return
		case request := <-o.jobs:
			o.execute(request)
		}
	}
}

// execute runs one request end to end: gateway execution, outcome
// delivery, then cache warming. The in-flight mark is held until the
// outcome has been handed to the cloud so re-polls cannot double-dispatch.
func (o *Orchestrator) execute(request portal.AuthorisationRequest) {
	defer o.inflight.Complete(request)

	outcome, resolved := o.executor.Execute(o.ctx, request)
	o.metrics.ExecutionsTotal.WithLabelValues(string(outcome.Outcome)).Inc()

	if err := o.backstage.NotifyOutcome(o.ctx, outcome); err != nil {
		o.logger.Error("Failed to deliver authorisation outcome",
			zap.String("request_id", request.ID()),
			zap.Error(err),
		)
	}

	if outcome.Outcome == portal.OutcomeSuccess {
		o.executor.WarmCache(o.ctx, request, resolved)
	}
}
