// Package engine provides the entry points for mdctl deployments: deploy,
// destroy, status and bootstrap.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/davidthor/mdctl/pkg/awsclient"
	"github.com/davidthor/mdctl/pkg/bootstrap"
	"github.com/davidthor/mdctl/pkg/catalog"
	"github.com/davidthor/mdctl/pkg/descriptor"
	"github.com/davidthor/mdctl/pkg/destroy"
	"github.com/davidthor/mdctl/pkg/errors"
	"github.com/davidthor/mdctl/pkg/local"
	"github.com/davidthor/mdctl/pkg/logging"
	"github.com/davidthor/mdctl/pkg/names"
	"github.com/davidthor/mdctl/pkg/pipeline"
	"github.com/davidthor/mdctl/pkg/quota"
	"github.com/davidthor/mdctl/pkg/reconcile"
	"github.com/davidthor/mdctl/pkg/secrets"
	"github.com/davidthor/mdctl/pkg/stacks"
)

// LocalRuntime runs local deployments.
type LocalRuntime interface {
	Run(ctx context.Context, desc *descriptor.Descriptor) (*local.Deployment, error)
	List(ctx context.Context) ([]local.Deployment, error)
	Remove(ctx context.Context, stackName string) (int, error)
}

// Config configures an Engine.
type Config struct {
	PipelineName   string
	ArtifactBucket string
	PollInterval   time.Duration
	StatusTimeout  time.Duration
	MaxParallel    int
	NoQuotaRegions []string

	// Local is optional; without it the local service cannot be deployed.
	Local LocalRuntime

	// Sleep and Now are injectable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Engine wires the mdctl components together.
type Engine struct {
	catalog    *catalog.Catalog
	resolver   *descriptor.Resolver
	driver     *pipeline.Driver
	reconciler *reconcile.Reconciler
	guard      *reconcile.Guard
	destroyer  *destroy.Coordinator
	bootstrap  *bootstrap.Bootstrapper
	local      LocalRuntime
	region     string
	bucket     string
	now        func() time.Time
	logger     zerolog.Logger
}

// NewEngine creates an engine over the AWS clients and catalog.
func NewEngine(clients *awsclient.Clients, cat *catalog.Catalog, config Config, logger zerolog.Logger) *Engine {
	if config.Now == nil {
		config.Now = time.Now
	}

	stackClient := stacks.NewClient(clients.CloudFormation, logging.Component(logger, "stacks"))
	quotas := quota.NewChecker(clients.ServiceQuotas, clients.SageMaker, clients.Region, config.NoQuotaRegions, logging.Component(logger, "quota"))

	pcfg := pipeline.DefaultConfig(config.PipelineName)
	if config.PollInterval > 0 {
		pcfg.PollInterval = config.PollInterval
	}
	pcfg.Sleep = config.Sleep
	pcfg.Retry.Sleep = config.Sleep
	pcfg.Now = config.Now
	driver := pipeline.NewDriver(clients.CodePipeline, stackClient, quotas, nil, pcfg, logging.Component(logger, "pipeline"))

	rcfg := reconcile.Config{Timeout: config.StatusTimeout}
	if config.Local != nil {
		rcfg.Local = config.Local
	}
	if clients.SecretsManager != nil {
		mgr := secrets.NewManager()
		mgr.RegisterProvider(secrets.NewAWSProvider(clients.SecretsManager))
		rcfg.Secrets = mgr
	}

	dcfg := destroy.Config{PollInterval: config.PollInterval, Sleep: config.Sleep, Now: config.Now}
	if config.Local != nil {
		dcfg.Local = config.Local
	}

	return &Engine{
		catalog:    cat,
		resolver:   descriptor.NewResolver(cat),
		driver:     driver,
		reconciler: reconcile.NewReconciler(driver, stackClient, stacks.NewCache(clients.CloudFormation), rcfg, logging.Component(logger, "reconcile")),
		guard:      reconcile.NewGuard(driver, config.MaxParallel),
		destroyer:  destroy.NewCoordinator(stackClient, driver, clients.ECS, dcfg, logger),
		bootstrap: bootstrap.New(clients.CloudFormation, clients.S3, clients.STS, bootstrap.Config{
			Region:       clients.Region,
			Bucket:       config.ArtifactBucket,
			PipelineName: pcfg.PipelineName,
			PollInterval: config.PollInterval,
			Sleep:        config.Sleep,
		}, logger),
		local:  config.Local,
		region: clients.Region,
		bucket: config.ArtifactBucket,
		now:    config.Now,
		logger: logger,
	}
}

// Catalog returns the catalog the engine resolves against.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// DeployOptions configures a deployment.
type DeployOptions struct {
	ModelID string
	Tag     string

	// Variant tags; empty selects the model's default.
	Engine    string
	Instance  string
	Service   string
	Framework string

	// ExtraParams may carry engine_params, instance_params, service_params,
	// framework_params and model_params overrides.
	ExtraParams map[string]any

	// SkipGuard skips the parallel execution limit.
	SkipGuard bool

	// Monitor waits for the execution to finish.
	Monitor bool

	// OnProgress is called on every monitor poll.
	OnProgress pipeline.ProgressFunc
}

// DeployResult contains the results of a deployment.
type DeployResult struct {
	Key       names.Key         `json:"key" yaml:"key"`
	StackName string            `json:"stack_name" yaml:"stack_name"`
	Service   string            `json:"service" yaml:"service"`
	Handle    *pipeline.Handle  `json:"handle,omitempty" yaml:"handle,omitempty"`
	Result    *pipeline.Result  `json:"result,omitempty" yaml:"result,omitempty"`
	Local     *local.Deployment `json:"local,omitempty" yaml:"local,omitempty"`
	Bootstrap *bootstrap.Result `json:"bootstrap,omitempty" yaml:"bootstrap,omitempty"`
	Duration  time.Duration     `json:"duration" yaml:"duration"`
}

// Succeeded reports whether the deployment finished successfully. An
// unmonitored pipeline deployment has not finished.
func (r *DeployResult) Succeeded() bool {
	if r.Local != nil {
		return true
	}
	return r.Result != nil && r.Result.Succeeded()
}

// Deploy resolves the request and starts a pipeline execution, or a local
// container for the local service. Validation happens before any network
// call.
func (e *Engine) Deploy(ctx context.Context, opts DeployOptions) (*DeployResult, error) {
	startTime := e.now()

	bucket := e.bucket
	if bucket == "" {
		bucket = bootstrap.AutoBucket
	}
	desc, err := e.resolver.Resolve(descriptor.Request{
		ModelID:        opts.ModelID,
		Tag:            opts.Tag,
		Engine:         opts.Engine,
		Instance:       opts.Instance,
		Service:        opts.Service,
		Framework:      opts.Framework,
		Region:         e.region,
		ArtifactBucket: bucket,
		ExtraParams:    opts.ExtraParams,
	})
	if err != nil {
		return nil, err
	}
	svc, ok := e.catalog.Service(desc.ServiceType())
	if !ok {
		return nil, errors.NotSupported("service", desc.ServiceType())
	}

	result := &DeployResult{
		Key:       desc.Key(),
		StackName: desc.StackName(),
		Service:   desc.ServiceType(),
	}

	if svc.Platform == catalog.ServiceLocal {
		if e.local == nil {
			return nil, errors.New(errors.ErrCodeNotSupported, "local deployments need a reachable Docker daemon")
		}
		dep, err := e.local.Run(ctx, desc)
		if err != nil {
			return nil, err
		}
		result.Local = dep
		result.Duration = e.now().Sub(startTime)
		return result, nil
	}

	if !opts.SkipGuard {
		allowed, msg, err := e.guard.Check(ctx, desc.Key())
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, errors.New(errors.ErrCodeParallelLimit, msg).WithDetail("key", desc.Key().String())
		}
	}

	if err := e.driver.Prepare(ctx, desc, svc); err != nil {
		return nil, err
	}

	boot, err := e.bootstrap.Ensure(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare control plane: %w", err)
	}
	result.Bootstrap = boot
	desc = desc.WithArtifactBucket(boot.Bucket)

	handle, err := e.driver.Start(ctx, desc)
	if err != nil {
		return nil, err
	}
	result.Handle = handle

	if opts.Monitor {
		res, err := e.driver.Monitor(ctx, handle, opts.OnProgress)
		if err != nil {
			return result, err
		}
		result.Result = res
	}

	result.Duration = e.now().Sub(startTime)
	return result, nil
}

// Destroy tears down the deployment for key.
func (e *Engine) Destroy(ctx context.Context, key names.Key) (*destroy.Result, error) {
	return e.destroyer.Destroy(ctx, key)
}

// GetStatus returns the reconciled status view.
func (e *Engine) GetStatus(ctx context.Context, opts reconcile.Options) (*reconcile.View, error) {
	if opts.IncludeLocal && e.local == nil {
		opts.IncludeLocal = false
	}
	return e.reconciler.Reconcile(ctx, opts)
}

// Bootstrap creates or upgrades the control plane.
func (e *Engine) Bootstrap(ctx context.Context, force bool) (*bootstrap.Result, error) {
	return e.bootstrap.Ensure(ctx, force)
}

// CheckBootstrap reports the control plane without changing it.
func (e *Engine) CheckBootstrap(ctx context.Context) (*bootstrap.Result, error) {
	return e.bootstrap.Check(ctx)
}

// Stop stops a pipeline execution by id.
func (e *Engine) Stop(ctx context.Context, executionID, reason string) error {
	return e.driver.Stop(ctx, executionID, reason)
}
