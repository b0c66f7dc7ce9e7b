package awsfake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	cptypes "github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
)

// Execution is one fake pipeline execution.
type Execution struct {
	ID        string
	Status    cptypes.PipelineExecutionStatus
	StartTime time.Time
	Variables map[string]string
	Actions   []cptypes.ActionExecutionDetail
}

// CodePipeline is an in-memory CodePipeline holding one pipeline.
type CodePipeline struct {
	mu         sync.Mutex
	executions []*Execution // newest first
	nextID     int

	// Now stamps new executions. Defaults to time.Now.
	Now func() time.Time
	// HiddenPolls is the number of GetPipelineExecution calls for a new
	// execution that fail with PipelineExecutionNotFoundException.
	HiddenPolls int
	hidden      map[string]int
	// OnGet runs on every GetPipelineExecution of a known execution, under
	// the lock, and may advance its state.
	OnGet func(e *Execution)
	// OnStop runs after a stop request is accepted, under the lock.
	OnStop func(e *Execution)
	// State is returned by GetPipelineState.
	State *codepipeline.GetPipelineStateOutput

	StartErr error
	ListErr  error
	StopErr  error
	StateErr error
	// Block makes ListPipelineExecutions wait until ctx is done.
	Block bool

	Started     []*codepipeline.StartPipelineExecutionInput
	Stopped     []string
	GetCalls    int
	ActionCalls int
}

// NewCodePipeline creates an empty fake.
func NewCodePipeline() *CodePipeline {
	return &CodePipeline{hidden: make(map[string]int)}
}

// AddExecution registers an existing execution.
func (f *CodePipeline) AddExecution(e *Execution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.StartTime.IsZero() {
		e.StartTime = f.now()
	}
	f.executions = append([]*Execution{e}, f.executions...)
}

// SetStatus changes an execution's status.
func (f *CodePipeline) SetStatus(id string, status cptypes.PipelineExecutionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e := f.find(id); e != nil {
		e.Status = status
	}
}

// ExecutionStatus returns the status of an execution.
func (f *CodePipeline) ExecutionStatus(id string) cptypes.PipelineExecutionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e := f.find(id); e != nil {
		return e.Status
	}
	return ""
}

// StartCount returns the number of accepted starts.
func (f *CodePipeline) StartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Started)
}

func (f *CodePipeline) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *CodePipeline) find(id string) *Execution {
	for _, e := range f.executions {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func executionNotFound(id string) error {
	return &cptypes.PipelineExecutionNotFoundException{
		Message: aws.String(fmt.Sprintf("Pipeline execution %s does not exist", id)),
	}
}

func (f *CodePipeline) StartPipelineExecution(_ context.Context, in *codepipeline.StartPipelineExecutionInput, _ ...func(*codepipeline.Options)) (*codepipeline.StartPipelineExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	f.Started = append(f.Started, in)
	f.nextID++
	e := &Execution{
		ID:        fmt.Sprintf("exec-%d", f.nextID),
		Status:    cptypes.PipelineExecutionStatusInProgress,
		StartTime: f.now(),
		Variables: make(map[string]string, len(in.Variables)),
	}
	for _, v := range in.Variables {
		e.Variables[aws.ToString(v.Name)] = aws.ToString(v.Value)
	}
	f.executions = append([]*Execution{e}, f.executions...)
	if f.HiddenPolls > 0 {
		f.hidden[e.ID] = f.HiddenPolls
	}
	return &codepipeline.StartPipelineExecutionOutput{PipelineExecutionId: aws.String(e.ID)}, nil
}

func (f *CodePipeline) GetPipelineExecution(_ context.Context, in *codepipeline.GetPipelineExecutionInput, _ ...func(*codepipeline.Options)) (*codepipeline.GetPipelineExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls++
	id := aws.ToString(in.PipelineExecutionId)
	if f.hidden[id] > 0 {
		f.hidden[id]--
		return nil, executionNotFound(id)
	}
	e := f.find(id)
	if e == nil {
		return nil, executionNotFound(id)
	}
	if f.OnGet != nil {
		f.OnGet(e)
	}
	out := &cptypes.PipelineExecution{
		PipelineExecutionId: aws.String(e.ID),
		PipelineName:        in.PipelineName,
		Status:              e.Status,
	}
	for k, v := range e.Variables {
		out.Variables = append(out.Variables, cptypes.ResolvedPipelineVariable{
			Name:          aws.String(k),
			ResolvedValue: aws.String(v),
		})
	}
	return &codepipeline.GetPipelineExecutionOutput{PipelineExecution: out}, nil
}

func (f *CodePipeline) ListPipelineExecutions(ctx context.Context, _ *codepipeline.ListPipelineExecutionsInput, _ ...func(*codepipeline.Options)) (*codepipeline.ListPipelineExecutionsOutput, error) {
	if f.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := &codepipeline.ListPipelineExecutionsOutput{}
	for _, e := range f.executions {
		out.PipelineExecutionSummaries = append(out.PipelineExecutionSummaries, cptypes.PipelineExecutionSummary{
			PipelineExecutionId: aws.String(e.ID),
			Status:              e.Status,
			StartTime:           aws.Time(e.StartTime),
			LastUpdateTime:      aws.Time(e.StartTime),
		})
	}
	return out, nil
}

func (f *CodePipeline) ListActionExecutions(_ context.Context, in *codepipeline.ListActionExecutionsInput, _ ...func(*codepipeline.Options)) (*codepipeline.ListActionExecutionsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ActionCalls++
	out := &codepipeline.ListActionExecutionsOutput{}
	if in.Filter == nil {
		return out, nil
	}
	if e := f.find(aws.ToString(in.Filter.PipelineExecutionId)); e != nil {
		out.ActionExecutionDetails = append(out.ActionExecutionDetails, e.Actions...)
	}
	return out, nil
}

func (f *CodePipeline) GetPipelineState(_ context.Context, in *codepipeline.GetPipelineStateInput, _ ...func(*codepipeline.Options)) (*codepipeline.GetPipelineStateOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StateErr != nil {
		return nil, f.StateErr
	}
	if f.State != nil {
		return f.State, nil
	}
	return &codepipeline.GetPipelineStateOutput{PipelineName: in.Name}, nil
}

func (f *CodePipeline) StopPipelineExecution(_ context.Context, in *codepipeline.StopPipelineExecutionInput, _ ...func(*codepipeline.Options)) (*codepipeline.StopPipelineExecutionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.PipelineExecutionId)
	if f.StopErr != nil {
		return nil, f.StopErr
	}
	e := f.find(id)
	if e == nil {
		return nil, executionNotFound(id)
	}
	if e.Status == cptypes.PipelineExecutionStatusStopping {
		return nil, &cptypes.DuplicatedStopRequestException{Message: aws.String("stop already requested")}
	}
	f.Stopped = append(f.Stopped, id)
	e.Status = cptypes.PipelineExecutionStatusStopping
	if f.OnStop != nil {
		f.OnStop(e)
	}
	return &codepipeline.StopPipelineExecutionOutput{PipelineExecutionId: aws.String(id)}, nil
}
