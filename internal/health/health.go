package health

import (
	"time"

	"github.com/zeeeepa/codegenapp/internal/models"
)

// Snapshot summarizes the delivery state of one project, computed from its
// agent runs and validation pipelines.
type Snapshot struct {
	TotalRuns      int
	ActiveRuns     int // pending, running, or waiting for input
	WaitingRuns    int
	CompletedRuns  int
	FailedRuns     int
	RunSuccessRate int // percent of finished runs that completed, 0-100

	TotalPipelines   int
	RunningPipelines int // pending or running
	PassedPipelines  int
	FailedPipelines  int
	PipelinePassRate int // percent of finished pipelines that passed, 0-100

	AvgRunDuration time.Duration // over runs with a completion time
	LastActivity   time.Time
}

// Compute aggregates runs and pipelines into a snapshot.
func Compute(runs []*models.AgentRun, pipelines []*models.ValidationPipeline) *Snapshot {
	s := &Snapshot{TotalRuns: len(runs), TotalPipelines: len(pipelines)}

	finishedRuns := 0
	var totalDuration time.Duration
	timedRuns := 0

	for _, r := range runs {
		switch r.Status {
		case models.RunStatusPending, models.RunStatusRunning:
			s.ActiveRuns++
		case models.RunStatusWaitingInput:
			s.ActiveRuns++
			s.WaitingRuns++
		case models.RunStatusCompleted:
			s.CompletedRuns++
			finishedRuns++
		case models.RunStatusFailed:
			s.FailedRuns++
			finishedRuns++
		case models.RunStatusCancelled:
			finishedRuns++
		}

		if r.CompletedAt != nil {
			totalDuration += r.CompletedAt.Sub(r.CreatedAt)
			timedRuns++
		}
		if r.UpdatedAt.After(s.LastActivity) {
			s.LastActivity = r.UpdatedAt
		}
	}

	finishedPipelines := 0
	for _, p := range pipelines {
		switch p.Status {
		case models.PipelineStatusPending, models.PipelineStatusRunning:
			s.RunningPipelines++
		case models.PipelineStatusPassed:
			s.PassedPipelines++
			finishedPipelines++
		case models.PipelineStatusFailed:
			s.FailedPipelines++
			finishedPipelines++
		case models.PipelineStatusCancelled:
			finishedPipelines++
		}

		if p.UpdatedAt.After(s.LastActivity) {
			s.LastActivity = p.UpdatedAt
		}
	}

	if finishedRuns > 0 {
		s.RunSuccessRate = s.CompletedRuns * 100 / finishedRuns
	}
	if finishedPipelines > 0 {
		s.PipelinePassRate = s.PassedPipelines * 100 / finishedPipelines
	}
	if timedRuns > 0 {
		s.AvgRunDuration = totalDuration / time.Duration(timedRuns)
	}

	return s
}
