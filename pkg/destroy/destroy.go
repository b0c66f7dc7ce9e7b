// Package destroy tears down a deployment, whichever state it is in.
package destroy

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/rs/zerolog"

	"github.com/davidthor/mdctl/pkg/awsclient"
	"github.com/davidthor/mdctl/pkg/catalog"
	"github.com/davidthor/mdctl/pkg/descriptor"
	"github.com/davidthor/mdctl/pkg/errors"
	"github.com/davidthor/mdctl/pkg/logging"
	"github.com/davidthor/mdctl/pkg/names"
	"github.com/davidthor/mdctl/pkg/pipeline"
	"github.com/davidthor/mdctl/pkg/retry"
	"github.com/davidthor/mdctl/pkg/stacks"
)

// ECS stack outputs naming the service to delete.
const (
	OutputClusterName = "ClusterName"
	OutputServiceName = "ServiceName"
)

// Method is how a deployment was torn down.
type Method string

const (
	MethodStack     Method = "stack"
	MethodExecution Method = "execution"
	MethodLocal     Method = "local"
)

// StackAPI is the stack access the coordinator needs.
type StackAPI interface {
	Get(ctx context.Context, name string) (*stacks.Stack, error)
	Delete(ctx context.Context, name string) error
	DestroyStatus(ctx context.Context, name string) (stacks.DestroyStatus, error)
}

// PipelineAPI is the pipeline access the coordinator needs.
type PipelineAPI interface {
	ListExecutions(ctx context.Context, statuses []pipeline.Status) ([]pipeline.Execution, error)
	Stop(ctx context.Context, executionID, reason string) error
	Status(ctx context.Context, executionID string) (pipeline.Status, error)
}

// LocalRemover removes local deployment containers.
type LocalRemover interface {
	Remove(ctx context.Context, stackName string) (int, error)
}

// Config configures a Coordinator.
type Config struct {
	PollInterval time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
	Now          func() time.Time
	// Local is optional; without it local deployments are not considered.
	Local LocalRemover
}

// Result describes a finished teardown.
type Result struct {
	Key         names.Key     `json:"key" yaml:"key"`
	StackName   string        `json:"stack_name" yaml:"stack_name"`
	Method      Method        `json:"method" yaml:"method"`
	ExecutionID string        `json:"execution_id,omitempty" yaml:"execution_id,omitempty"`
	Status      string        `json:"status" yaml:"status"`
	Removed     int           `json:"removed,omitempty" yaml:"removed,omitempty"`
	Elapsed     time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Coordinator tears down deployments.
type Coordinator struct {
	stacks   StackAPI
	pipeline PipelineAPI
	ecs      awsclient.ECSAPI
	config   Config
	logger   zerolog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(stackAPI StackAPI, pipelineAPI PipelineAPI, ecsClient awsclient.ECSAPI, config Config, logger zerolog.Logger) *Coordinator {
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.Sleep == nil {
		config.Sleep = retry.Sleep
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Coordinator{
		stacks:   stackAPI,
		pipeline: pipelineAPI,
		ecs:      ecsClient,
		config:   config,
		logger:   logging.Component(logger, "destroy"),
	}
}

// Destroy removes the deployment for key. A deployed stack is deleted;
// otherwise an active execution is stopped; otherwise local containers are
// removed. It returns once the teardown is terminal.
func (c *Coordinator) Destroy(ctx context.Context, key names.Key) (*Result, error) {
	start := c.config.Now()
	stackName := key.StackName()
	res := &Result{Key: key, StackName: stackName}

	st, err := c.stacks.Get(ctx, stackName)
	switch {
	case err == nil:
		res.Method = MethodStack
		res.Status, err = c.destroyStack(ctx, st)
	case errors.Is(err, errors.ErrCodeNotFound):
		var found bool
		found, err = c.stopExecution(ctx, key, res)
		if err == nil && !found {
			err = c.removeLocal(ctx, key, res)
		}
	}
	if err != nil {
		return nil, err
	}

	res.Elapsed = c.config.Now().Sub(start)
	c.logger.Info().
		Str("stack", stackName).
		Str("method", string(res.Method)).
		Str("status", res.Status).
		Dur("elapsed", res.Elapsed).
		Msg("teardown complete")
	return res, nil
}

func (c *Coordinator) destroyStack(ctx context.Context, st *stacks.Stack) (string, error) {
	if st.Parameters[descriptor.VarServiceType] == string(catalog.ServiceECS) {
		if err := c.deleteECSService(ctx, st); err != nil {
			return "", err
		}
	}
	if err := c.stacks.Delete(ctx, st.Name); err != nil {
		return "", err
	}

	for {
		ds, err := c.stacks.DestroyStatus(ctx, st.Name)
		if err != nil {
			return "", err
		}
		if ds.Terminal {
			if !ds.Succeeded {
				return "", errors.InfraFailed(st.Name, ds.Status, ds.Reason)
			}
			return ds.Status, nil
		}
		c.logger.Info().Str("stack", st.Name).Str("status", ds.Status).Msg("waiting for stack deletion")
		if err := c.config.Sleep(ctx, c.config.PollInterval); err != nil {
			return "", err
		}
	}
}

// deleteECSService removes the service ahead of the stack so that draining
// tasks do not hold the stack deletion.
func (c *Coordinator) deleteECSService(ctx context.Context, st *stacks.Stack) error {
	cluster, service := st.Outputs[OutputClusterName], st.Outputs[OutputServiceName]
	if cluster == "" || service == "" || c.ecs == nil {
		c.logger.Warn().Str("stack", st.Name).Msg("ECS outputs missing, deleting stack only")
		return nil
	}
	c.logger.Info().Str("cluster", cluster).Str("service", service).Msg("deleting ECS service")
	_, err := c.ecs.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: aws.String(cluster),
		Service: aws.String(service),
		Force:   aws.Bool(true),
	})
	if err != nil && !awsclient.IsNotFound(err) {
		return fmt.Errorf("failed to delete ECS service %s: %w", service, err)
	}
	return nil
}

func (c *Coordinator) stopExecution(ctx context.Context, key names.Key, res *Result) (bool, error) {
	executions, err := c.pipeline.ListExecutions(ctx, []pipeline.Status{pipeline.StatusInProgress, pipeline.StatusStopping})
	if err != nil {
		return false, err
	}
	var target *pipeline.Execution
	for i := range executions {
		if executions[i].MatchesKey(key) {
			target = &executions[i]
			break
		}
	}
	if target == nil {
		return false, nil
	}

	res.Method = MethodExecution
	res.ExecutionID = target.ID
	if err := c.pipeline.Stop(ctx, target.ID, fmt.Sprintf("mdctl destroy %s", key)); err != nil {
		return true, err
	}

	for {
		status, err := c.pipeline.Status(ctx, target.ID)
		if err != nil {
			return true, err
		}
		if status.Terminal() {
			res.Status = string(status)
			return true, nil
		}
		c.logger.Info().Str("execution_id", target.ID).Str("status", string(status)).Msg("waiting for execution to stop")
		if err := c.config.Sleep(ctx, c.config.PollInterval); err != nil {
			return true, err
		}
	}
}

func (c *Coordinator) removeLocal(ctx context.Context, key names.Key, res *Result) error {
	if c.config.Local != nil {
		n, err := c.config.Local.Remove(ctx, key.StackName())
		if err != nil {
			return err
		}
		if n > 0 {
			res.Method = MethodLocal
			res.Removed = n
			res.Status = "removed"
			return nil
		}
	}
	return errors.NotFoundError("deployment", key.String())
}
