package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/davidthor/mdctl/pkg/pipeline"
)

func TestProgressPrinter_PrintsTransitionsOnly(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewProgressPrinter(buf)

	p.Update(pipeline.Progress{Status: pipeline.StatusInProgress, Stage: pipeline.StageSource, Elapsed: 0})
	p.Update(pipeline.Progress{Status: pipeline.StatusInProgress, Stage: pipeline.StageSource, Elapsed: 10 * time.Second})
	p.Update(pipeline.Progress{Status: pipeline.StatusInProgress, Stage: pipeline.StageBuild, Elapsed: 20 * time.Second})
	p.Update(pipeline.Progress{Status: pipeline.StatusInProgress, Stage: pipeline.StageBuild, Elapsed: 30 * time.Second})
	p.Update(pipeline.Progress{Status: pipeline.StatusSucceeded, Stage: pipeline.StageDeploy, Elapsed: 95 * time.Second})

	assert.Len(t, p.Transitions(), 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[1], "Build")
	assert.Contains(t, lines[2], "Succeeded")
}

func TestProgressPrinter_Summary(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewProgressPrinter(buf)

	p.Update(pipeline.Progress{Status: pipeline.StatusInProgress, Stage: pipeline.StageSource})
	p.Update(pipeline.Progress{Status: pipeline.StatusInProgress, Stage: pipeline.StageBuild, Elapsed: 20 * time.Second})
	p.Update(pipeline.Progress{Status: pipeline.StatusInProgress, Stage: pipeline.StageDeploy, Elapsed: 80 * time.Second})
	buf.Reset()

	p.PrintSummary(&pipeline.Result{Status: pipeline.StatusSucceeded, Elapsed: 200 * time.Second})

	s := buf.String()
	assert.Contains(t, s, "Source   20s\n")
	assert.Contains(t, s, "Build    1m0s\n")
	assert.Contains(t, s, "Deploy   2m0s\n")
	assert.Contains(t, s, "Total    3m20s\n")
}

func TestProgressPrinter_NilSummary(t *testing.T) {
	buf := &bytes.Buffer{}
	NewProgressPrinter(buf).PrintSummary(nil)
	assert.Empty(t, buf.String())
}
