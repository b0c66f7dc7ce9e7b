// Package reconcile joins pipeline executions and deployed stacks into one
// consistent view of what is deployed and what is deploying.
package reconcile

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/davidthor/mdctl/pkg/errors"
	"github.com/davidthor/mdctl/pkg/local"
	"github.com/davidthor/mdctl/pkg/names"
	"github.com/davidthor/mdctl/pkg/pipeline"
	"github.com/davidthor/mdctl/pkg/stacks"
)

// DefaultTimeout bounds the concurrent execution and stack fetch.
const DefaultTimeout = 60 * time.Second

// ExecutionLister lists pipeline executions by status.
type ExecutionLister interface {
	ListExecutions(ctx context.Context, statuses []pipeline.Status) ([]pipeline.Execution, error)
}

// StackLister lists deployed model stacks.
type StackLister interface {
	List(ctx context.Context) ([]stacks.Stack, error)
}

// StackLookup reports the status of the named stacks in one call.
type StackLookup interface {
	Lookup(ctx context.Context, stackNames []string) (map[string]string, error)
}

// LocalLister lists local deployments.
type LocalLister interface {
	List(ctx context.Context) ([]local.Deployment, error)
}

// OutputResolver resolves credential references in stack outputs.
type OutputResolver interface {
	ResolveOutputs(ctx context.Context, outputs map[string]string) (map[string]string, error)
}

// Config holds the optional collaborators and the fetch timeout.
type Config struct {
	Timeout time.Duration
	Local   LocalLister
	Secrets OutputResolver
}

// Options selects what a single Reconcile call returns.
type Options struct {
	// Filter restricts the view to one deployment key.
	Filter *names.Key
	// ExcludeStoppedFailed fetches only Stopping and InProgress executions.
	ExcludeStoppedFailed bool
	// IncludeLocal adds local Docker deployments.
	IncludeLocal bool
	// ResolveSecrets replaces credential ARNs in stack outputs with values.
	ResolveSecrets bool
	// Now is the reference time for retention; zero means time.Now.
	Now time.Time
}

// View is the reconciled status.
type View struct {
	InProgress []pipeline.Execution `json:"inprogress" yaml:"inprogress"`
	Completed  []stacks.Stack       `json:"completed" yaml:"completed"`
	Local      []local.Deployment   `json:"local,omitempty" yaml:"local,omitempty"`
}

// Reconciler builds status views. It holds no per-call state and is safe for
// concurrent use.
type Reconciler struct {
	executions ExecutionLister
	stacks     StackLister
	cache      StackLookup
	config     Config
	logger     zerolog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(executions ExecutionLister, stackLister StackLister, cache StackLookup, config Config, logger zerolog.Logger) *Reconciler {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &Reconciler{
		executions: executions,
		stacks:     stackLister,
		cache:      cache,
		config:     config,
		logger:     logger,
	}
}

// FetchStatuses returns the execution statuses a reconcile fetches.
func FetchStatuses(excludeStoppedFailed bool) []pipeline.Status {
	statuses := []pipeline.Status{pipeline.StatusStopping, pipeline.StatusInProgress}
	if !excludeStoppedFailed {
		statuses = append(statuses, pipeline.StatusStopped, pipeline.StatusFailed)
	}
	return statuses
}

// Reconcile fetches executions and stacks concurrently and cross-validates
// them. If either fetch fails or the timeout expires no partial view is
// returned.
func (r *Reconciler) Reconcile(ctx context.Context, opts Options) (*View, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	executions, deployed, err := r.fetch(ctx, FetchStatuses(opts.ExcludeStoppedFailed))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(executions))
	stackNames := make([]string, 0, len(executions))
	for i := range executions {
		if executions[i].StackName == "" {
			executions[i].StackName = executions[i].Key.StackName()
		}
		if name := executions[i].StackName; !seen[name] {
			seen[name] = true
			stackNames = append(stackNames, name)
		}
	}

	statuses, err := r.cache.Lookup(ctx, stackNames)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStatus, "failed to look up stack status", err)
	}

	view := &View{
		InProgress: make([]pipeline.Execution, 0, len(executions)),
		Completed:  make([]stacks.Stack, 0, len(deployed)),
	}
	for _, e := range executions {
		status, exists := statuses[e.StackName]
		classified, keep := Classify(e, StackState{Exists: exists, Status: status}, now)
		if !keep {
			r.logger.Debug().
				Str("execution_id", e.ID).
				Str("status", string(e.Status)).
				Str("stage", e.Stage.String()).
				Msg("execution dropped from status view")
			continue
		}
		if opts.Filter != nil && !classified.MatchesKey(*opts.Filter) {
			continue
		}
		view.InProgress = append(view.InProgress, classified)
	}

	for _, s := range deployed {
		if opts.Filter != nil && !s.Matches(*opts.Filter) {
			continue
		}
		if opts.ResolveSecrets && r.config.Secrets != nil {
			outputs, err := r.config.Secrets.ResolveOutputs(ctx, s.Outputs)
			if err != nil {
				return nil, errors.Wrap(errors.ErrCodeStatus, fmt.Sprintf("failed to resolve secrets of %s", s.Name), err)
			}
			s.Outputs = outputs
		}
		view.Completed = append(view.Completed, s)
	}

	if opts.IncludeLocal {
		view.Local = r.local(ctx, opts.Filter)
	}

	return view, nil
}

func (r *Reconciler) fetch(ctx context.Context, statuses []pipeline.Status) ([]pipeline.Execution, []stacks.Stack, error) {
	tctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	var (
		executions []pipeline.Execution
		deployed   []stacks.Stack
	)
	g, gctx := errgroup.WithContext(tctx)
	g.Go(func() error {
		var err error
		executions, err = r.executions.ListExecutions(gctx, statuses)
		return err
	})
	g.Go(func() error {
		var err error
		deployed, err = r.stacks.List(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		if stderrors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, nil, errors.Wrap(errors.ErrCodeStatus,
				fmt.Sprintf("status fetch timed out after %s", r.config.Timeout), err)
		}
		return nil, nil, errors.Wrap(errors.ErrCodeStatus, "failed to fetch deployment status", err)
	}
	return executions, deployed, nil
}

func (r *Reconciler) local(ctx context.Context, filter *names.Key) []local.Deployment {
	if r.config.Local == nil {
		r.logger.Warn().Msg("local deployments requested but docker is not configured")
		return nil
	}
	deployments, err := r.config.Local.List(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to list local deployments")
		return nil
	}
	if filter == nil {
		return deployments
	}
	out := deployments[:0]
	for _, d := range deployments {
		if d.StackName == filter.StackName() {
			out = append(out, d)
		}
	}
	return out
}
