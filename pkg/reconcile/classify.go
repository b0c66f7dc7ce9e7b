package reconcile

import (
	"fmt"
	"strings"
	"time"

	"github.com/davidthor/mdctl/pkg/pipeline"
)

const (
	// RollbackMarker is matched case-sensitively against the stack status of
	// a failed deploy.
	RollbackMarker = "ROLLBACK"

	// FailedBuildRetention is how long a Source or Build failure stays
	// visible.
	FailedBuildRetention = 24 * time.Hour
)

// StackState is what the batched lookup knows about an execution's stack.
type StackState struct {
	Exists bool
	Status string
}

// Classify decides whether an execution belongs in the status view and sets
// its EnhancedStatus and Hint. It performs no I/O.
func Classify(e pipeline.Execution, stack StackState, now time.Time) (pipeline.Execution, bool) {
	switch e.Status {
	case pipeline.StatusSucceeded:
		if !stack.Exists {
			return e, false
		}
		e.EnhancedStatus = "Deployed"
		if stack.Status != "" {
			e.EnhancedStatus = fmt.Sprintf("Deployed (%s)", stack.Status)
		}
		return e, true

	case pipeline.StatusFailed:
		switch e.Stage {
		case pipeline.StageDeploy:
			if !stack.Exists || !strings.Contains(stack.Status, RollbackMarker) {
				return e, false
			}
			e.EnhancedStatus = fmt.Sprintf("Failed (%s)", stack.Status)
			e.Hint = fmt.Sprintf("stack %s rolled back; run `mdctl destroy %s` before deploying again", e.StackName, e.Key)
			return e, true
		case pipeline.StageSource, pipeline.StageBuild:
			if now.Sub(e.Created()) >= FailedBuildRetention {
				return e, false
			}
			e.EnhancedStatus = fmt.Sprintf("%s failed", e.Stage)
			e.Hint = fmt.Sprintf("check the %s logs of execution %s", strings.ToLower(e.Stage.String()), e.ID)
			return e, true
		default:
			return e, false
		}

	case pipeline.StatusInProgress, pipeline.StatusStopping:
		e.EnhancedStatus = fmt.Sprintf("%s (%s)", e.Status, e.Stage)
		if e.Stage == pipeline.StageDeploy && stack.Exists {
			e.EnhancedStatus = fmt.Sprintf("%s (Deploy: %s)", e.Status, stack.Status)
		}
		return e, true

	case pipeline.StatusStopped:
		e.EnhancedStatus = fmt.Sprintf("Stopped (%s)", e.Stage)
		if stack.Exists {
			e.Hint = fmt.Sprintf("stack %s is %s", e.StackName, stack.Status)
		}
		return e, true
	}

	// Cancelled, Superseded and anything unrecognized.
	return e, false
}
