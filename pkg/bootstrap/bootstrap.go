// Package bootstrap creates and upgrades the shared control plane: the
// artifact bucket and the stack holding the deployment pipeline.
package bootstrap

import (
	"bytes"
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/davidthor/mdctl/pkg/awsclient"
	"github.com/davidthor/mdctl/pkg/errors"
	"github.com/davidthor/mdctl/pkg/logging"
	"github.com/davidthor/mdctl/pkg/pipeline"
	"github.com/davidthor/mdctl/pkg/retry"
	"github.com/davidthor/mdctl/pkg/stacks"
)

const (
	// StackName is the control-plane stack.
	StackName = "mdctl-bootstrap"

	// Version is compared with the Version parameter of the deployed
	// control-plane stack. Bump it whenever template.yaml changes.
	Version = "3"

	// VersionParameter is the stack parameter carrying Version.
	VersionParameter = "Version"

	// AutoBucket selects the default artifact bucket of the account.
	AutoBucket = "auto"
)

//go:embed template.yaml
var template []byte

// Action is what Ensure did to the control-plane stack.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// Result describes the control plane after Ensure.
type Result struct {
	Action    Action `json:"action" yaml:"action"`
	StackName string `json:"stack_name" yaml:"stack_name"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Version   string `json:"version" yaml:"version"`
	Status    string `json:"status" yaml:"status"`
}

// Config configures a Bootstrapper.
type Config struct {
	Region       string
	Bucket       string
	PipelineName string
	PollInterval time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
}

// Bootstrapper ensures the control plane exists and is current.
type Bootstrapper struct {
	cfn    awsclient.CloudFormationAPI
	s3     awsclient.S3API
	sts    awsclient.STSAPI
	stacks *stacks.Client
	config Config
	logger zerolog.Logger

	mu     sync.Mutex
	bucket string
}

// New creates a Bootstrapper.
func New(cfn awsclient.CloudFormationAPI, s3c awsclient.S3API, stsc awsclient.STSAPI, config Config, logger zerolog.Logger) *Bootstrapper {
	if config.PipelineName == "" {
		config.PipelineName = pipeline.DefaultPipelineName
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.Sleep == nil {
		config.Sleep = retry.Sleep
	}
	return &Bootstrapper{
		cfn:    cfn,
		s3:     s3c,
		sts:    stsc,
		stacks: stacks.NewClient(cfn, logger),
		config: config,
		logger: logging.Component(logger, "bootstrap"),
	}
}

// Bucket returns the configured artifact bucket or, when none or AutoBucket
// is configured, the default one for the caller's account. The default is
// resolved once; a failed lookup is retried on the next call. Safe for
// concurrent use.
func (b *Bootstrapper) Bucket(ctx context.Context) (string, error) {
	if b.config.Bucket != "" && b.config.Bucket != AutoBucket {
		return b.config.Bucket, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bucket != "" {
		return b.bucket, nil
	}
	bucket, err := DefaultBucket(ctx, b.sts, b.config.Region)
	if err != nil {
		return "", err
	}
	b.bucket = bucket
	return bucket, nil
}

// DefaultBucket returns mdctl-<account>-<region>.
func DefaultBucket(ctx context.Context, stsc awsclient.STSAPI, region string) (string, error) {
	resp, err := stsc.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to resolve AWS account: %w", err)
	}
	return fmt.Sprintf("mdctl-%s-%s", aws.ToString(resp.Account), region), nil
}

// Check reports the control plane status without changing it. A missing
// stack returns an ErrCodeControlPlaneMissing error.
func (b *Bootstrapper) Check(ctx context.Context) (*Result, error) {
	st, err := b.stacks.Get(ctx, StackName)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return nil, errors.ControlPlaneMissing(StackName)
		}
		return nil, err
	}
	return &Result{
		Action:    ActionUnchanged,
		StackName: StackName,
		Bucket:    st.Parameters["ArtifactBucket"],
		Version:   st.Parameters[VersionParameter],
		Status:    st.Status,
	}, nil
}

// Ensure creates the control plane if absent and updates it when its version
// is stale or force is set. Concurrent callers may race on create; losing the
// race falls back to update-or-wait.
func (b *Bootstrapper) Ensure(ctx context.Context, force bool) (*Result, error) {
	bucket, err := b.Bucket(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.ensureBucket(ctx, bucket); err != nil {
		return nil, err
	}
	templateURL, err := b.uploadTemplate(ctx, bucket)
	if err != nil {
		return nil, err
	}

	res := &Result{StackName: StackName, Bucket: bucket, Version: Version}
	params := []cfntypes.Parameter{
		{ParameterKey: aws.String(VersionParameter), ParameterValue: aws.String(Version)},
		{ParameterKey: aws.String("ArtifactBucket"), ParameterValue: aws.String(bucket)},
		{ParameterKey: aws.String("PipelineName"), ParameterValue: aws.String(b.config.PipelineName)},
	}

	st, err := b.stacks.Get(ctx, StackName)
	switch {
	case errors.Is(err, errors.ErrCodeNotFound):
		b.logger.Info().Str("stack", StackName).Str("version", Version).Msg("creating control plane")
		_, err = b.cfn.CreateStack(ctx, &cloudformation.CreateStackInput{
			StackName:    aws.String(StackName),
			TemplateURL:  aws.String(templateURL),
			Parameters:   params,
			Capabilities: []cfntypes.Capability{cfntypes.CapabilityCapabilityNamedIam},
			Tags:         []cfntypes.Tag{{Key: aws.String("mdctl:version"), Value: aws.String(Version)}},
		})
		if err == nil {
			res.Action = ActionCreated
			break
		}
		if !awsclient.IsAlreadyExists(err) {
			return nil, fmt.Errorf("failed to create control plane stack: %w", err)
		}
		b.logger.Debug().Msg("control plane created concurrently, falling back to update")
		if st, err = b.wait(ctx); err != nil {
			return nil, err
		}
		fallthrough
	case err == nil:
		if stacks.IsInProgress(st.Status) {
			if st, err = b.wait(ctx); err != nil {
				return nil, err
			}
		}
		if st.Status == string(cfntypes.StackStatusRollbackComplete) {
			return nil, errors.InfraFailed(StackName, st.Status,
				"the initial create failed; delete the stack and run `mdctl bootstrap` again")
		}
		if !force && st.Parameters[VersionParameter] == Version {
			res.Action = ActionUnchanged
			res.Status = st.Status
			return res, nil
		}
		b.logger.Info().
			Str("stack", StackName).
			Str("from", st.Parameters[VersionParameter]).
			Str("to", Version).
			Msg("updating control plane")
		_, err = b.cfn.UpdateStack(ctx, &cloudformation.UpdateStackInput{
			StackName:    aws.String(StackName),
			TemplateURL:  aws.String(templateURL),
			Parameters:   params,
			Capabilities: []cfntypes.Capability{cfntypes.CapabilityCapabilityNamedIam},
		})
		if awsclient.IsNoUpdates(err) {
			res.Action = ActionUnchanged
			res.Status = st.Status
			return res, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update control plane stack: %w", err)
		}
		res.Action = ActionUpdated
	default:
		return nil, err
	}

	st, err = b.wait(ctx)
	if err != nil {
		return nil, err
	}
	res.Status = st.Status
	b.logger.Info().Str("stack", StackName).Str("status", st.Status).Str("action", string(res.Action)).Msg("control plane ready")
	return res, nil
}

// wait polls the control-plane stack until it leaves an in-progress status.
func (b *Bootstrapper) wait(ctx context.Context) (*stacks.Stack, error) {
	for {
		st, err := b.stacks.Get(ctx, StackName)
		if err != nil {
			return nil, err
		}
		switch {
		case stacks.IsFailed(st.Status):
			return nil, errors.InfraFailed(StackName, st.Status, st.StatusReason)
		case stacks.IsComplete(st.Status):
			return st, nil
		}
		b.logger.Debug().Str("stack", StackName).Str("status", st.Status).Msg("waiting for control plane")
		if err := b.config.Sleep(ctx, b.config.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (b *Bootstrapper) ensureBucket(ctx context.Context, bucket string) error {
	_, err := b.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if !awsclient.IsNotFound(err) {
		return fmt.Errorf("failed to check artifact bucket %s: %w", bucket, err)
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if b.config.Region != "" && b.config.Region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(b.config.Region),
		}
	}
	b.logger.Info().Str("bucket", bucket).Msg("creating artifact bucket")
	if _, err := b.s3.CreateBucket(ctx, in); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if stderrors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("failed to create artifact bucket %s: %w", bucket, err)
	}
	return nil
}

func (b *Bootstrapper) uploadTemplate(ctx context.Context, bucket string) (string, error) {
	key := fmt.Sprintf("mdctl/bootstrap/%s/template.yaml", Version)
	_, err := b.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(template),
		ContentType: aws.String("application/x-yaml"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload control plane template: %w", err)
	}
	host := "s3.amazonaws.com"
	if b.config.Region != "" && b.config.Region != "us-east-1" {
		host = fmt.Sprintf("s3.%s.amazonaws.com", b.config.Region)
	}
	return fmt.Sprintf("https://%s.%s/%s", bucket, host, key), nil
}
