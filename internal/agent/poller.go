package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zeeeepa/codegenapp/internal/models"
	"github.com/zeeeepa/codegenapp/internal/store"
)

// nonTerminalStatuses are the run states the poller keeps reconciling.
var nonTerminalStatuses = []models.RunStatus{
	models.RunStatusPending,
	models.RunStatusRunning,
	models.RunStatusWaitingInput,
}

// Poller periodically refreshes non-terminal runs from the agent API so
// deployments without webhook delivery still converge on remote state.
type Poller struct {
	service *Service
	cron    *cron.Cron
	spec    string
	timeout time.Duration
}

// NewPoller creates a poller on the given cron spec (e.g. "@every 30s").
func NewPoller(service *Service, spec string) *Poller {
	if spec == "" {
		spec = "@every 30s"
	}
	return &Poller{
		service: service,
		cron:    cron.New(),
		spec:    spec,
		timeout: time.Minute,
	}
}

// Start schedules the poll loop. The returned error reports a bad cron spec.
func (p *Poller) Start() error {
	if _, err := p.cron.AddFunc(p.spec, p.tick); err != nil {
		return err
	}
	p.cron.Start()
	slog.Info("run poller started", "schedule", p.spec)
	return nil
}

// Stop halts the schedule. Runs already in flight finish.
func (p *Poller) Stop() {
	p.cron.Stop()
}

func (p *Poller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	for _, status := range nonTerminalStatuses {
		runs, err := p.service.store.ListAgentRuns(ctx, store.RunListFilter{Status: status})
		if err != nil {
			slog.Warn("poller list runs", "status", status, "error", err)
			continue
		}
		for _, run := range runs {
			if run.ExternalID == "" {
				continue
			}
			if _, err := p.service.Refresh(ctx, run.ID); err != nil {
				slog.Warn("poller refresh run", "run", run.ID, "error", err)
			}
		}
	}
}
