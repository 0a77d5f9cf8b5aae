package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zeeeepa/codegenapp/internal/models"
)

func run(status models.RunStatus, age time.Duration) *models.AgentRun {
	created := time.Now().Add(-age)
	r := &models.AgentRun{Status: status, CreatedAt: created, UpdatedAt: created}
	switch status {
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
		done := created.Add(10 * time.Minute)
		r.CompletedAt = &done
		r.UpdatedAt = done
	}
	return r
}

func pipe(status models.PipelineStatus) *models.ValidationPipeline {
	now := time.Now()
	return &models.ValidationPipeline{Status: status, CreatedAt: now, UpdatedAt: now}
}

func TestCompute_Empty(t *testing.T) {
	s := Compute(nil, nil)

	assert.Zero(t, s.TotalRuns)
	assert.Zero(t, s.RunSuccessRate)
	assert.Zero(t, s.PipelinePassRate)
	assert.True(t, s.LastActivity.IsZero())
}

func TestCompute_RunCounts(t *testing.T) {
	runs := []*models.AgentRun{
		run(models.RunStatusRunning, time.Hour),
		run(models.RunStatusWaitingInput, time.Hour),
		run(models.RunStatusCompleted, 2*time.Hour),
		run(models.RunStatusCompleted, 3*time.Hour),
		run(models.RunStatusFailed, 4*time.Hour),
		run(models.RunStatusCancelled, 5*time.Hour),
	}

	s := Compute(runs, nil)

	assert.Equal(t, 6, s.TotalRuns)
	assert.Equal(t, 2, s.ActiveRuns)
	assert.Equal(t, 1, s.WaitingRuns)
	assert.Equal(t, 2, s.CompletedRuns)
	assert.Equal(t, 1, s.FailedRuns)
	// 2 completed of 4 finished
	assert.Equal(t, 50, s.RunSuccessRate)
	assert.Equal(t, 10*time.Minute, s.AvgRunDuration)
}

func TestCompute_PipelineCounts(t *testing.T) {
	pipelines := []*models.ValidationPipeline{
		pipe(models.PipelineStatusRunning),
		pipe(models.PipelineStatusPassed),
		pipe(models.PipelineStatusPassed),
		pipe(models.PipelineStatusPassed),
		pipe(models.PipelineStatusFailed),
	}

	s := Compute(nil, pipelines)

	assert.Equal(t, 5, s.TotalPipelines)
	assert.Equal(t, 1, s.RunningPipelines)
	assert.Equal(t, 3, s.PassedPipelines)
	assert.Equal(t, 1, s.FailedPipelines)
	// 3 passed of 4 finished
	assert.Equal(t, 75, s.PipelinePassRate)
}

func TestCompute_LastActivity(t *testing.T) {
	old := run(models.RunStatusCompleted, 48*time.Hour)
	recent := pipe(models.PipelineStatusPassed)

	s := Compute([]*models.AgentRun{old}, []*models.ValidationPipeline{recent})

	assert.Equal(t, recent.UpdatedAt, s.LastActivity)
}

func TestCompute_NoTerminalRuns(t *testing.T) {
	runs := []*models.AgentRun{
		run(models.RunStatusRunning, time.Hour),
	}

	s := Compute(runs, nil)

	assert.Zero(t, s.RunSuccessRate, "no finished runs means no rate")
	assert.Zero(t, s.AvgRunDuration)
}
