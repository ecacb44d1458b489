package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trendmill/trendmill/broker"
	"github.com/trendmill/trendmill/errors"
	"github.com/trendmill/trendmill/internal/httpclient"
)

// CollaboratorURLs holds the base URLs of the external stage services.
type CollaboratorURLs struct {
	Ideation string
	Image    string
	Product  string
	Listing  string
}

// OrchestratorConfig wires the orchestrator.
type OrchestratorConfig struct {
	Collaborators CollaboratorURLs
	StageTimeout  time.Duration // per collaborator call (default 30s)
}

// Orchestrator runs the four stage consumers and the recurring-job scheduler
// under one lifecycle.
type Orchestrator struct {
	broker       *broker.Broker
	client       *serviceClient
	notifier     *Notifier
	scheduler    *Scheduler
	logger       *zap.SugaredLogger
	stageTimeout time.Duration
	stages       []stage

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires the pipeline stages. scheduler may be nil when the
// caller runs recurring jobs elsewhere.
func NewOrchestrator(
	b *broker.Broker,
	http *httpclient.SaferClient,
	notifier *Notifier,
	scheduler *Scheduler,
	cfg OrchestratorConfig,
	logger *zap.SugaredLogger,
) *Orchestrator {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Orchestrator{
		broker:       b,
		client:       &serviceClient{http: http},
		notifier:     notifier,
		scheduler:    scheduler,
		logger:       logger,
		stageTimeout: cfg.StageTimeout,
		stages:       stages(cfg.Collaborators),
	}
}

// Start launches one consumer loop per stage plus the scheduler. Consumer
// names carry a random suffix so replicas of the same stage stay
// distinguishable in the pending table.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.cancel != nil {
		return errors.New("orchestrator already started")
	}
	ctx, o.cancel = context.WithCancel(ctx)

	for _, st := range o.stages {
		consumer := fmt.Sprintf("%s-%s", st.name, uuid.NewString()[:8])
		o.wg.Add(1)
		go func(st stage, consumer string) {
			defer o.wg.Done()
			err := o.broker.Consume(ctx, st.stream, st.group, consumer, o.handler(st))
			if err != nil && !errors.IsAny(err, context.Canceled, errors.ErrStreamClosed) {
				o.logger.Errorw("Stage consumer exited", "stage", st.name, "error", err)
			}
		}(st, consumer)
	}

	if o.scheduler != nil {
		o.scheduler.Start(ctx)
	}

	o.logger.Infow("Orchestrator started", "stages", len(o.stages))
	return nil
}

// Stop cancels all consumers and the scheduler and waits for them to exit.
// In-flight handlers finish or leave their entries pending for redelivery.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	if o.scheduler != nil {
		o.scheduler.Stop()
	}
	o.wg.Wait()
	o.logger.Infow("Orchestrator stopped")
}
