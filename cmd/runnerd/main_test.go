package main

import (
	"errors"
	"testing"

	"github.com/rzbill/runnerd/pkg/log"
	"github.com/rzbill/runnerd/pkg/orchestrator"
	"github.com/rzbill/runnerd/pkg/supervisor"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	clean := orchestrator.RunnerOutcome{
		Name:   "ci-01",
		Result: supervisor.Result{Outcome: supervisor.OutcomeExited},
	}
	restart := orchestrator.RunnerOutcome{
		Name:   "ci-02",
		Result: supervisor.Result{Outcome: supervisor.OutcomeRestartRequested},
	}
	broken := orchestrator.RunnerOutcome{
		Name:   "ci-03",
		Result: supervisor.Result{Outcome: supervisor.OutcomeFailed, ExitCode: 7},
		Err:    errors.New("configure blew up"),
	}

	tests := []struct {
		name     string
		outcomes []orchestrator.RunnerOutcome
		want     int
	}{
		{"all clean", []orchestrator.RunnerOutcome{clean}, 0},
		{"restart requested", []orchestrator.RunnerOutcome{restart}, 0},
		{"failure", []orchestrator.RunnerOutcome{clean, broken}, 1},
		{"restart wins over sibling failure", []orchestrator.RunnerOutcome{restart, broken}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := &orchestrator.Report{Outcomes: tt.outcomes}
			assert.Equal(t, tt.want, exitCode(report, log.NewTestLogger()))
		})
	}
}

func TestExitCodeWarnsOnMaskedFailures(t *testing.T) {
	logger := log.NewTestLogger()
	report := &orchestrator.Report{Outcomes: []orchestrator.RunnerOutcome{
		{Name: "ci-01", Result: supervisor.Result{Outcome: supervisor.OutcomeRestartRequested}},
		{Name: "ci-02", Err: errors.New("agent crashed")},
	}}

	assert.Equal(t, 0, exitCode(report, logger))
	assert.Contains(t, logger.Messages(), "Requesting restart despite runner failures",
		"failures swallowed by a restart request must still be logged")
}
