package engine

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cptypes "github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/mdctl/internal/awsfake"
	"github.com/davidthor/mdctl/pkg/awsclient"
	"github.com/davidthor/mdctl/pkg/bootstrap"
	"github.com/davidthor/mdctl/pkg/catalog"
	"github.com/davidthor/mdctl/pkg/descriptor"
	"github.com/davidthor/mdctl/pkg/destroy"
	"github.com/davidthor/mdctl/pkg/errors"
	"github.com/davidthor/mdctl/pkg/local"
	"github.com/davidthor/mdctl/pkg/names"
	"github.com/davidthor/mdctl/pkg/pipeline"
	"github.com/davidthor/mdctl/pkg/reconcile"
)

const model = "Qwen2.5-7B-Instruct"

type mockS3 struct{ exists bool }

func (m *mockS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !m.exists {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.exists = true
	return &s3.CreateBucketOutput{}, nil
}

func (m *mockS3) PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return &s3.PutObjectOutput{}, nil
}

type mockSTS struct{}

func (mockSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
}

type mockLocal struct {
	runs []*descriptor.Descriptor
}

func (m *mockLocal) Run(_ context.Context, desc *descriptor.Descriptor) (*local.Deployment, error) {
	m.runs = append(m.runs, desc)
	return &local.Deployment{StackName: desc.StackName(), Key: desc.Key(), State: "running"}, nil
}

func (m *mockLocal) List(context.Context) ([]local.Deployment, error) { return nil, nil }

func (m *mockLocal) Remove(context.Context, string) (int, error) { return 0, nil }

type fixture struct {
	cp     *awsfake.CodePipeline
	cfn    *awsfake.CloudFormation
	local  *mockLocal
	engine *Engine
	onPoll func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)

	f := &fixture{
		cp:    awsfake.NewCodePipeline(),
		cfn:   awsfake.NewCloudFormation(),
		local: &mockLocal{},
	}
	clients := &awsclient.Clients{
		Region:         "us-east-1",
		CodePipeline:   f.cp,
		CloudFormation: f.cfn,
		S3:             &mockS3{},
		STS:            mockSTS{},
	}
	f.engine = NewEngine(clients, cat, Config{
		NoQuotaRegions: []string{"us-east-1"},
		Local:          f.local,
		Sleep: func(context.Context, time.Duration) error {
			if f.onPoll != nil {
				f.onPoll()
			}
			return nil
		},
	}, zerolog.Nop())
	return f
}

func TestScenarioA_DeployShowsInProgressAtSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Deploy(ctx, DeployOptions{ModelID: model, Tag: "t"})
	require.NoError(t, err)
	require.NotNil(t, res.Handle)
	assert.Equal(t, "exec-1", res.Handle.ExecutionID)
	assert.Equal(t, "mdctl-model-qwen2-5-7b-instruct-t", res.StackName)
	assert.Equal(t, bootstrap.ActionCreated, res.Bootstrap.Action)
	assert.Equal(t, "mdctl-123456789012-us-east-1", res.Bootstrap.Bucket)
	assert.False(t, res.Succeeded())

	view, err := f.engine.GetStatus(ctx, reconcile.Options{})
	require.NoError(t, err)
	require.Len(t, view.InProgress, 1)
	assert.Equal(t, "exec-1", view.InProgress[0].ID)
	assert.Equal(t, pipeline.StageSource, view.InProgress[0].Stage)
	assert.Equal(t, names.NewKey(model, "t"), view.InProgress[0].Key)
	assert.Empty(t, view.Completed)
}

func TestScenarioB_CompletedStackMovesToCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Deploy(ctx, DeployOptions{ModelID: model, Tag: "t"})
	require.NoError(t, err)

	f.cp.SetStatus(res.Handle.ExecutionID, cptypes.PipelineExecutionStatusSucceeded)
	f.cfn.PutStack(res.StackName, "CREATE_COMPLETE",
		map[string]string{"ModelId": model, "ModelTag": "t"},
		map[string]string{"EndpointName": "ep-1"})

	view, err := f.engine.GetStatus(ctx, reconcile.Options{})
	require.NoError(t, err)
	assert.Empty(t, view.InProgress)
	require.Len(t, view.Completed, 1)
	assert.Equal(t, res.StackName, view.Completed[0].Name)
	assert.Equal(t, "ep-1", view.Completed[0].Outputs["EndpointName"])
}

func TestScenarioC_DestroyStack(t *testing.T) {
	f := newFixture(t)
	key := names.NewKey("m", "t")
	f.cfn.PutStack(key.StackName(), "CREATE_COMPLETE", nil, nil)
	f.onPoll = func() { f.cfn.Remove(key.StackName()) }

	res, err := f.engine.Destroy(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, destroy.MethodStack, res.Method)
	assert.Equal(t, "DELETE_COMPLETE", res.Status)
	assert.Equal(t, []string{key.StackName()}, f.cfn.Deleted)
}

func TestScenarioD_DestroyStopsExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Deploy(ctx, DeployOptions{ModelID: model, Tag: "t"})
	require.NoError(t, err)
	f.onPoll = func() { f.cp.SetStatus(res.Handle.ExecutionID, cptypes.PipelineExecutionStatusStopped) }

	out, err := f.engine.Destroy(ctx, names.NewKey(model, "t"))
	require.NoError(t, err)
	assert.Equal(t, destroy.MethodExecution, out.Method)
	assert.Equal(t, "Stopped", out.Status)
	assert.Equal(t, []string{res.Handle.ExecutionID}, f.cp.Stopped)
}

func TestScenarioE_SecondDeployIsAlreadyDeploying(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Deploy(ctx, DeployOptions{ModelID: model, Tag: "t"})
	require.NoError(t, err)

	_, err = f.engine.Deploy(ctx, DeployOptions{ModelID: model, Tag: "t"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyDeploying))
	assert.Equal(t, 1, f.cp.StartCount())
}

func TestDeploy_ValidationBeforeNetwork(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Deploy(context.Background(), DeployOptions{ModelID: model, Engine: "llama-cpp"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotSupported))
	assert.Zero(t, f.cp.StartCount())
	assert.Empty(t, f.cfn.Created)
	assert.Zero(t, f.cfn.DescribeCalls)
}

func TestDeploy_ExistingStack(t *testing.T) {
	f := newFixture(t)
	f.cfn.PutStack(names.NewKey(model, "t").StackName(), "CREATE_COMPLETE", nil, nil)

	_, err := f.engine.Deploy(context.Background(), DeployOptions{ModelID: model, Tag: "t"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyExists))
	assert.Zero(t, f.cp.StartCount())
}

func TestDeploy_MonitorUntilDone(t *testing.T) {
	f := newFixture(t)
	f.cp.OnGet = func(e *awsfake.Execution) { e.Status = cptypes.PipelineExecutionStatusSucceeded }

	var progress []pipeline.Progress
	res, err := f.engine.Deploy(context.Background(), DeployOptions{
		ModelID:    model,
		Tag:        "t",
		Monitor:    true,
		OnProgress: func(p pipeline.Progress) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.True(t, res.Succeeded())
	assert.NotEmpty(t, progress)
}

func TestDeploy_Local(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Deploy(context.Background(), DeployOptions{ModelID: model, Tag: "t", Service: "local", Instance: "local"})
	require.NoError(t, err)
	require.NotNil(t, res.Local)
	assert.True(t, res.Succeeded())
	assert.Len(t, f.local.runs, 1)
	assert.Zero(t, f.cp.StartCount())
	assert.Empty(t, f.cfn.Created)
}

func TestBootstrapThenCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CheckBootstrap(ctx)
	assert.True(t, errors.Is(err, errors.ErrCodeControlPlaneMissing))

	res, err := f.engine.Bootstrap(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.ActionCreated, res.Action)

	res, err = f.engine.CheckBootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.Version, res.Version)
}

func TestStop_DuplicateIsBenign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Deploy(ctx, DeployOptions{ModelID: model, Tag: "t"})
	require.NoError(t, err)

	require.NoError(t, f.engine.Stop(ctx, res.Handle.ExecutionID, "operator request"))
	assert.Equal(t, cptypes.PipelineExecutionStatusStopping, f.cp.ExecutionStatus(res.Handle.ExecutionID))

	require.NoError(t, f.engine.Stop(ctx, res.Handle.ExecutionID, "operator request"))
	assert.Equal(t, []string{res.Handle.ExecutionID}, f.cp.Stopped)
}

func TestDeploy_ParallelLimitCountsFailedExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < reconcile.DefaultParallelLimit; i++ {
		res, err := f.engine.Deploy(ctx, DeployOptions{ModelID: model, Tag: "t"})
		require.NoError(t, err)
		status := cptypes.PipelineExecutionStatusFailed
		if i%2 == 1 {
			status = cptypes.PipelineExecutionStatusStopped
		}
		f.cp.SetStatus(res.Handle.ExecutionID, status)
	}

	_, err := f.engine.Deploy(ctx, DeployOptions{ModelID: model, Tag: "t"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeParallelLimit))
	assert.Contains(t, err.Error(), "5 executions")
	assert.Equal(t, reconcile.DefaultParallelLimit, f.cp.StartCount())

	_, err = f.engine.Deploy(ctx, DeployOptions{ModelID: model, Tag: "other"})
	require.NoError(t, err)

	_, err = f.engine.Deploy(ctx, DeployOptions{ModelID: model, Tag: "t", SkipGuard: true})
	require.NoError(t, err)
	assert.Equal(t, reconcile.DefaultParallelLimit+2, f.cp.StartCount())
}
