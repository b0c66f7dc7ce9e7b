package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/aws-sdk-go-v2/service/servicequotas"
	sqtypes "github.com/aws/aws-sdk-go-v2/service/servicequotas/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/mdctl/pkg/catalog"
)

type mockQuotas struct {
	quotas map[string]float64
	err    error
	calls  int
}

func (m *mockQuotas) ListServiceQuotas(ctx context.Context, in *servicequotas.ListServiceQuotasInput, _ ...func(*servicequotas.Options)) (*servicequotas.ListServiceQuotasOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := &servicequotas.ListServiceQuotasOutput{}
	for name, v := range m.quotas {
		out.Quotas = append(out.Quotas, sqtypes.ServiceQuota{QuotaName: aws.String(name), Value: aws.Float64(v)})
	}
	return out, nil
}

// mockSageMaker serves endpoints whose config has one variant each.
type mockSageMaker struct {
	endpoints map[string]smtypes.ProductionVariant
}

func (m *mockSageMaker) ListEndpoints(ctx context.Context, in *sagemaker.ListEndpointsInput, _ ...func(*sagemaker.Options)) (*sagemaker.ListEndpointsOutput, error) {
	out := &sagemaker.ListEndpointsOutput{}
	for name := range m.endpoints {
		out.Endpoints = append(out.Endpoints, smtypes.EndpointSummary{EndpointName: aws.String(name)})
	}
	return out, nil
}

func (m *mockSageMaker) DescribeEndpoint(ctx context.Context, in *sagemaker.DescribeEndpointInput, _ ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error) {
	return &sagemaker.DescribeEndpointOutput{
		EndpointName:       in.EndpointName,
		EndpointConfigName: aws.String(aws.ToString(in.EndpointName) + "-config"),
	}, nil
}

func (m *mockSageMaker) DescribeEndpointConfig(ctx context.Context, in *sagemaker.DescribeEndpointConfigInput, _ ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointConfigOutput, error) {
	name := aws.ToString(in.EndpointConfigName)
	name = name[:len(name)-len("-config")]
	return &sagemaker.DescribeEndpointConfigOutput{
		ProductionVariants: []smtypes.ProductionVariant{m.endpoints[name]},
	}, nil
}

func variant(instance string, count int32) smtypes.ProductionVariant {
	return smtypes.ProductionVariant{
		InstanceType:         smtypes.ProductionVariantInstanceType(instance),
		InitialInstanceCount: aws.Int32(count),
	}
}

func TestChecker_Check(t *testing.T) {
	q := &mockQuotas{quotas: map[string]float64{"ml.g5.2xlarge for endpoint usage": 2}}
	sm := &mockSageMaker{endpoints: map[string]smtypes.ProductionVariant{
		"a": variant("ml.g5.2xlarge", 1),
		"b": variant("ml.g5.xlarge", 4),
	}}
	c := NewChecker(q, sm, "us-east-1", nil, zerolog.Nop())

	res, err := c.Check(context.Background(), "ml.g5.2xlarge", catalog.ServiceSageMaker, 1)
	require.NoError(t, err)
	assert.True(t, res.Sufficient)
	assert.Equal(t, float64(2), res.Limit)
	assert.Equal(t, float64(1), res.Used)

	res, err = c.Check(context.Background(), "ml.g5.2xlarge", catalog.ServiceSageMaker, 2)
	require.NoError(t, err)
	assert.False(t, res.Sufficient)
}

func TestChecker_SkipsNoQuotaRegions(t *testing.T) {
	q := &mockQuotas{}
	for _, region := range []string{"cn-north-1", "cn-northwest-1", "eu-south-9"} {
		c := NewChecker(q, &mockSageMaker{}, region, []string{"eu-south-9"}, zerolog.Nop())
		res, err := c.Check(context.Background(), "ml.g5.2xlarge", catalog.ServiceSageMaker, 100)
		require.NoError(t, err)
		assert.True(t, res.Skipped, region)
		assert.True(t, res.Sufficient, region)
	}
	assert.Zero(t, q.calls)
}

func TestChecker_SkipsNonSageMaker(t *testing.T) {
	q := &mockQuotas{}
	c := NewChecker(q, &mockSageMaker{}, "us-east-1", nil, zerolog.Nop())
	res, err := c.Check(context.Background(), "g5.2xlarge", catalog.ServiceECS, 1)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, q.calls)
}

func TestChecker_UnknownQuota(t *testing.T) {
	q := &mockQuotas{quotas: map[string]float64{}}
	c := NewChecker(q, &mockSageMaker{}, "us-east-1", nil, zerolog.Nop())
	res, err := c.Check(context.Background(), "ml.x.large", catalog.ServiceSageMaker, 1)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.True(t, res.Sufficient)
}

func TestChecker_PropagatesErrors(t *testing.T) {
	q := &mockQuotas{err: errors.New("throttled")}
	c := NewChecker(q, &mockSageMaker{}, "us-east-1", nil, zerolog.Nop())
	_, err := c.Check(context.Background(), "ml.g5.xlarge", catalog.ServiceSageMaker, 1)
	assert.ErrorContains(t, err, "throttled")
}
