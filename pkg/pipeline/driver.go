package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	cptypes "github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/davidthor/mdctl/pkg/awsclient"
	"github.com/davidthor/mdctl/pkg/catalog"
	"github.com/davidthor/mdctl/pkg/descriptor"
	"github.com/davidthor/mdctl/pkg/errors"
	"github.com/davidthor/mdctl/pkg/quota"
	"github.com/davidthor/mdctl/pkg/retry"
)

// DefaultPipelineName is the pipeline created by bootstrap.
const DefaultPipelineName = "mdctl-pipeline"

// StackChecker reports whether a stack exists.
type StackChecker interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// QuotaChecker checks instance quotas.
type QuotaChecker interface {
	Check(ctx context.Context, instanceType string, platform catalog.ServiceKind, want int) (quota.Result, error)
}

// Config configures a Driver.
type Config struct {
	PipelineName string

	// PollInterval is the delay between monitor polls.
	PollInterval time.Duration

	// MaxHistory bounds how many executions ListExecutions scans.
	MaxHistory int

	// FetchConcurrency bounds concurrent GetPipelineExecution calls.
	FetchConcurrency int

	// Retry absorbs "execution not found yet" races.
	Retry retry.Policy

	// Sleep waits between polls. Nil uses retry.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time
}

// DefaultConfig returns the driver defaults for pipelineName.
func DefaultConfig(pipelineName string) Config {
	if pipelineName == "" {
		pipelineName = DefaultPipelineName
	}
	return Config{
		PipelineName:     pipelineName,
		PollInterval:     10 * time.Second,
		MaxHistory:       100,
		FetchConcurrency: 8,
		Retry:            retry.DefaultPolicy(awsclient.IsPipelineExecutionNotFound),
	}
}

// Driver starts, monitors and stops pipeline executions.
type Driver struct {
	cp      awsclient.CodePipelineAPI
	stacks  StackChecker
	quota   QuotaChecker
	locator *Locator
	config  Config
	logger  zerolog.Logger
}

// NewDriver creates a pipeline driver. quota may be nil to disable quota
// checks.
func NewDriver(cp awsclient.CodePipelineAPI, stacks StackChecker, quotas QuotaChecker, locator *Locator, config Config, logger zerolog.Logger) *Driver {
	if config.PipelineName == "" {
		config.PipelineName = DefaultPipelineName
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = 100
	}
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = 8
	}
	if config.Sleep == nil {
		config.Sleep = retry.Sleep
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Retry.Sleep == nil {
		config.Retry.Sleep = config.Sleep
	}
	if locator == nil {
		locator = NewLocator(cp, logger)
	}
	return &Driver{
		cp:      cp,
		stacks:  stacks,
		quota:   quotas,
		locator: locator,
		config:  config,
		logger:  logger,
	}
}

// PipelineName returns the pipeline the driver operates on.
func (d *Driver) PipelineName() string {
	return d.config.PipelineName
}

// Prepare fails fast when the deployment cannot start: the stack already
// exists, an execution for the same key is active, or the instance quota is
// insufficient.
func (d *Driver) Prepare(ctx context.Context, desc *descriptor.Descriptor, svc *catalog.Service) error {
	stackName := desc.StackName()

	exists, err := d.stacks.Exists(ctx, stackName)
	if err != nil {
		return fmt.Errorf("failed to check stack %s: %w", stackName, err)
	}
	if exists {
		return errors.AlreadyExists(stackName)
	}

	active, err := d.ListExecutions(ctx, []Status{StatusInProgress, StatusStopping})
	if err != nil {
		return err
	}
	for _, e := range active {
		if e.MatchesKey(desc.Key()) {
			return errors.AlreadyDeploying(desc.Key().String(), e.ID)
		}
	}

	if d.quota == nil || svc == nil || !svc.QuotaChecked {
		return nil
	}
	want := RequestedInstances(desc.Service())
	res, err := d.quota.Check(ctx, desc.InstanceType(), svc.Platform, want)
	if err != nil {
		return fmt.Errorf("failed to check quota for %s: %w", desc.InstanceType(), err)
	}
	if res.Skipped {
		d.logger.Debug().Str("reason", res.Reason).Msg("quota check skipped")
		return nil
	}
	if !res.Sufficient {
		return errors.QuotaExceeded(desc.InstanceType(), res.Limit, res.Used, float64(want))
	}
	return nil
}

// RequestedInstances reads the instance count a service section asks for.
func RequestedInstances(service map[string]any) int {
	for _, key := range []string{"max_capacity", "desired_capacity", "instance_count"} {
		switch v := service[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 1
}

// Start starts one pipeline execution carrying the descriptor as variables.
func (d *Driver) Start(ctx context.Context, desc *descriptor.Descriptor) (*Handle, error) {
	now := d.config.Now()
	vars, err := desc.Variables(now)
	if err != nil {
		return nil, err
	}

	in := &codepipeline.StartPipelineExecutionInput{
		Name:               aws.String(d.config.PipelineName),
		ClientRequestToken: aws.String(uuid.NewString()),
	}
	for _, v := range vars {
		in.Variables = append(in.Variables, cptypes.PipelineVariable{
			Name:  aws.String(v.Name),
			Value: aws.String(v.Value),
		})
	}

	resp, err := d.cp.StartPipelineExecution(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to start pipeline %s: %w", d.config.PipelineName, err)
	}

	h := &Handle{
		ExecutionID:  aws.ToString(resp.PipelineExecutionId),
		PipelineName: d.config.PipelineName,
		StackName:    desc.StackName(),
		Key:          desc.Key(),
		StartedAt:    now,
	}
	d.logger.Info().
		Str("execution_id", h.ExecutionID).
		Str("stack", h.StackName).
		Msg("pipeline execution started")
	return h, nil
}

// Status returns the current status of an execution, retrying while the
// execution is not yet visible.
func (d *Driver) Status(ctx context.Context, executionID string) (Status, error) {
	exec, err := d.getExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	return Status(exec.Status), nil
}

func (d *Driver) getExecution(ctx context.Context, executionID string) (*cptypes.PipelineExecution, error) {
	policy := d.config.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		d.logger.Debug().
			Str("execution_id", executionID).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("execution not visible yet, retrying")
	}

	resp, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*codepipeline.GetPipelineExecutionOutput, error) {
		return d.cp.GetPipelineExecution(ctx, &codepipeline.GetPipelineExecutionInput{
			PipelineName:        aws.String(d.config.PipelineName),
			PipelineExecutionId: aws.String(executionID),
		})
	})
	if err != nil {
		if awsclient.IsPipelineExecutionNotFound(err) {
			return nil, errors.Wrap(errors.ErrCodePipelineStatus,
				fmt.Sprintf("execution %s not found after retries", executionID), err).
				WithDetail("execution_id", executionID)
		}
		return nil, fmt.Errorf("failed to get execution %s: %w", executionID, err)
	}
	if resp.PipelineExecution == nil {
		return nil, errors.New(errors.ErrCodePipelineStatus, fmt.Sprintf("execution %s has no details", executionID))
	}
	return resp.PipelineExecution, nil
}

// Monitor polls the execution until it reaches a terminal status. A failed
// execution is reported in the result, not returned as an error. Context
// cancellation stops monitoring without touching the execution.
func (d *Driver) Monitor(ctx context.Context, h *Handle, onProgress ProgressFunc) (*Result, error) {
	start := h.StartedAt
	if start.IsZero() {
		start = d.config.Now()
	}

	for {
		exec, err := d.getExecution(ctx, h.ExecutionID)
		if err != nil {
			return nil, err
		}
		status := Status(exec.Status)
		stage := d.locator.Locate(ctx, h.PipelineName, h.ExecutionID)
		elapsed := d.config.Now().Sub(start)

		d.logger.Info().
			Str("execution_id", h.ExecutionID).
			Str("stage", stage.String()).
			Str("status", string(status)).
			Dur("elapsed", elapsed).
			Msg("deployment progress")
		if onProgress != nil {
			onProgress(Progress{
				ExecutionID: h.ExecutionID,
				Status:      status,
				Stage:       stage,
				Elapsed:     elapsed,
			})
		}

		if status.Terminal() {
			return &Result{
				ExecutionID: h.ExecutionID,
				Status:      status,
				Stage:       stage,
				Elapsed:     elapsed,
			}, nil
		}

		if err := d.config.Sleep(ctx, d.config.PollInterval); err != nil {
			return nil, err
		}
	}
}

// Stop requests that an execution stop. A duplicate stop request is logged
// and treated as success.
func (d *Driver) Stop(ctx context.Context, executionID, reason string) error {
	_, err := d.cp.StopPipelineExecution(ctx, &codepipeline.StopPipelineExecutionInput{
		PipelineName:        aws.String(d.config.PipelineName),
		PipelineExecutionId: aws.String(executionID),
		Reason:              aws.String(reason),
	})
	if err != nil {
		if awsclient.IsDuplicateStop(err) {
			d.logger.Warn().Str("execution_id", executionID).Msg("stop already requested")
			return nil
		}
		return fmt.Errorf("failed to stop execution %s: %w", executionID, err)
	}
	d.logger.Info().Str("execution_id", executionID).Msg("stop requested")
	return nil
}
