package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	cptypes "github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/rs/zerolog"

	"github.com/davidthor/mdctl/pkg/awsclient"
)

// Strategy is one way of finding the stage of an execution. ok is false when
// the strategy has no answer.
type Strategy func(ctx context.Context, pipelineName, executionID string) (stage Stage, ok bool, err error)

// NamedStrategy pairs a strategy with a name for logging.
type NamedStrategy struct {
	Name string
	Fn   Strategy
}

// Locator finds the stage of an execution by trying its strategies in order.
// CodePipeline is only partially observable: action history rotates out and
// the pipeline state only shows executions that are currently in a stage.
type Locator struct {
	cp         awsclient.CodePipelineAPI
	strategies []NamedStrategy
	logger     zerolog.Logger
}

// NewLocator returns a locator with the default chain: action executions,
// pipeline state, execution summary scan.
func NewLocator(cp awsclient.CodePipelineAPI, logger zerolog.Logger) *Locator {
	return &Locator{
		cp: cp,
		strategies: []NamedStrategy{
			{Name: "action-executions", Fn: ActionExecutions(cp)},
			{Name: "pipeline-state", Fn: PipelineState(cp)},
			{Name: "execution-summaries", Fn: SummaryScan(cp)},
		},
		logger: logger,
	}
}

// NewLocatorWith returns a locator with a custom chain.
func NewLocatorWith(logger zerolog.Logger, strategies ...NamedStrategy) *Locator {
	return &Locator{strategies: strategies, logger: logger}
}

// WithSummaries returns a copy of the default chain whose summary scan uses an
// already fetched execution list instead of listing again. Custom chains are
// returned unchanged.
func (l *Locator) WithSummaries(summaries []cptypes.PipelineExecutionSummary) *Locator {
	if l.cp == nil {
		return l
	}
	return &Locator{
		cp: l.cp,
		strategies: []NamedStrategy{
			{Name: "action-executions", Fn: ActionExecutions(l.cp)},
			{Name: "pipeline-state", Fn: PipelineState(l.cp)},
			{Name: "execution-summaries", Fn: SummarySnapshot(summaries)},
		},
		logger: l.logger,
	}
}

// Locate returns the first stage any strategy reports, or StageUnknown.
// Strategy errors are logged and the chain continues.
func (l *Locator) Locate(ctx context.Context, pipelineName, executionID string) Stage {
	for _, s := range l.strategies {
		stage, ok, err := s.Fn(ctx, pipelineName, executionID)
		if err != nil {
			l.logger.Debug().Err(err).
				Str("strategy", s.Name).
				Str("execution_id", executionID).
				Msg("stage lookup failed")
			continue
		}
		if ok {
			return stage
		}
	}
	return StageUnknown
}

// ActionExecutions reads the per-action history of the execution. A failed or
// running action gives the current stage; otherwise the most recently
// updated action does.
func ActionExecutions(cp awsclient.CodePipelineAPI) Strategy {
	return func(ctx context.Context, pipelineName, executionID string) (Stage, bool, error) {
		in := &codepipeline.ListActionExecutionsInput{
			PipelineName: aws.String(pipelineName),
			Filter: &cptypes.ActionExecutionFilter{
				PipelineExecutionId: aws.String(executionID),
			},
		}

		var details []cptypes.ActionExecutionDetail
		for {
			resp, err := cp.ListActionExecutions(ctx, in)
			if err != nil {
				return StageUnknown, false, fmt.Errorf("failed to list action executions: %w", err)
			}
			details = append(details, resp.ActionExecutionDetails...)
			if resp.NextToken == nil || *resp.NextToken == "" {
				break
			}
			in.NextToken = resp.NextToken
		}
		if len(details) == 0 {
			return StageUnknown, false, nil
		}

		// ActionExecutionStatus has no Stopping value; a stopping execution
		// shows its interrupted action as InProgress.
		for _, d := range details {
			if d.Status == cptypes.ActionExecutionStatusFailed || d.Status == cptypes.ActionExecutionStatusInProgress {
				if stage := StageFromName(aws.ToString(d.StageName)); stage != StageUnknown {
					return stage, true, nil
				}
			}
		}

		latest := details[0]
		for _, d := range details[1:] {
			if actionTime(d).After(actionTime(latest)) {
				latest = d
			}
		}
		stage := StageFromName(aws.ToString(latest.StageName))
		return stage, stage != StageUnknown, nil
	}
}

func actionTime(d cptypes.ActionExecutionDetail) time.Time {
	if d.LastUpdateTime != nil {
		return *d.LastUpdateTime
	}
	return aws.ToTime(d.StartTime)
}

// PipelineState matches the execution against the inbound and latest
// executions of every stage in the live pipeline state. It only finds
// executions that currently occupy a stage.
func PipelineState(cp awsclient.CodePipelineAPI) Strategy {
	return func(ctx context.Context, pipelineName, executionID string) (Stage, bool, error) {
		resp, err := cp.GetPipelineState(ctx, &codepipeline.GetPipelineStateInput{Name: aws.String(pipelineName)})
		if err != nil {
			return StageUnknown, false, fmt.Errorf("failed to get pipeline state: %w", err)
		}
		for _, st := range resp.StageStates {
			if !stageHasExecution(st, executionID) {
				continue
			}
			if stage := StageFromName(aws.ToString(st.StageName)); stage != StageUnknown {
				return stage, true, nil
			}
		}
		return StageUnknown, false, nil
	}
}

func stageHasExecution(st cptypes.StageState, executionID string) bool {
	if st.InboundExecution != nil && aws.ToString(st.InboundExecution.PipelineExecutionId) == executionID {
		return true
	}
	for _, in := range st.InboundExecutions {
		if aws.ToString(in.PipelineExecutionId) == executionID {
			return true
		}
	}
	return st.LatestExecution != nil && aws.ToString(st.LatestExecution.PipelineExecutionId) == executionID
}

// SummaryScan lists recent executions and derives a stage from the summary
// status: Succeeded means the Deploy stage ran; an active execution that no
// earlier strategy could place has no action history yet and is in Source.
func SummaryScan(cp awsclient.CodePipelineAPI) Strategy {
	return func(ctx context.Context, pipelineName, executionID string) (Stage, bool, error) {
		resp, err := cp.ListPipelineExecutions(ctx, &codepipeline.ListPipelineExecutionsInput{
			PipelineName: aws.String(pipelineName),
			MaxResults:   aws.Int32(pageSize),
		})
		if err != nil {
			return StageUnknown, false, fmt.Errorf("failed to list pipeline executions: %w", err)
		}
		return SummarySnapshot(resp.PipelineExecutionSummaries)(ctx, pipelineName, executionID)
	}
}

// SummarySnapshot is SummaryScan over an already fetched list.
func SummarySnapshot(summaries []cptypes.PipelineExecutionSummary) Strategy {
	return func(_ context.Context, _, executionID string) (Stage, bool, error) {
		for _, s := range summaries {
			if aws.ToString(s.PipelineExecutionId) != executionID {
				continue
			}
			switch Status(s.Status) {
			case StatusSucceeded:
				return StageDeploy, true, nil
			case StatusInProgress, StatusStopping:
				return StageSource, true, nil
			}
			return StageUnknown, false, nil
		}
		return StageUnknown, false, nil
	}
}
