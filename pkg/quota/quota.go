// Package quota checks SageMaker instance quotas before a deployment creates
// any resources.
package quota

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/aws-sdk-go-v2/service/servicequotas"
	"github.com/rs/zerolog"

	"github.com/davidthor/mdctl/pkg/awsclient"
	"github.com/davidthor/mdctl/pkg/catalog"
)

// serviceCode is the Service Quotas code for SageMaker.
const serviceCode = "sagemaker"

// DefaultNoQuotaRegions lack the Service Quotas API.
var DefaultNoQuotaRegions = []string{"cn-north-1", "cn-northwest-1"}

// Result is the outcome of a quota check.
type Result struct {
	Limit      float64
	Used       float64
	Requested  int
	Sufficient bool
	// Skipped is set when no check was made (unsupported region, platform
	// or unknown quota). Skipped results are always sufficient.
	Skipped bool
	Reason  string
}

// Checker compares Service Quotas limits with current SageMaker usage.
type Checker struct {
	quotas    awsclient.ServiceQuotasAPI
	sagemaker awsclient.SageMakerAPI
	region    string
	noQuota   map[string]bool
	logger    zerolog.Logger
}

// NewChecker creates a checker for region. extraNoQuota adds regions to
// DefaultNoQuotaRegions.
func NewChecker(quotas awsclient.ServiceQuotasAPI, sm awsclient.SageMakerAPI, region string, extraNoQuota []string, logger zerolog.Logger) *Checker {
	noQuota := make(map[string]bool, len(DefaultNoQuotaRegions)+len(extraNoQuota))
	for _, r := range DefaultNoQuotaRegions {
		noQuota[r] = true
	}
	for _, r := range extraNoQuota {
		noQuota[r] = true
	}
	return &Checker{
		quotas:    quotas,
		sagemaker: sm,
		region:    region,
		noQuota:   noQuota,
		logger:    logger,
	}
}

// Skips reports whether quota checks are disabled for the checker's region.
func (c *Checker) Skips() bool {
	return c.noQuota[c.region]
}

// QuotaName returns the Service Quotas name for endpoint usage of an instance type.
func QuotaName(instanceType string) string {
	return instanceType + " for endpoint usage"
}

// Check reports whether want more instances of instanceType fit within the
// account quota.
func (c *Checker) Check(ctx context.Context, instanceType string, platform catalog.ServiceKind, want int) (Result, error) {
	res := Result{Requested: want, Sufficient: true}

	if c.Skips() {
		res.Skipped = true
		res.Reason = fmt.Sprintf("region %s has no quota API", c.region)
		return res, nil
	}
	if platform != catalog.ServiceSageMaker && platform != catalog.ServiceSageMakerAsync {
		res.Skipped = true
		res.Reason = fmt.Sprintf("no quota check for %s services", platform)
		return res, nil
	}

	limit, found, err := c.limit(ctx, instanceType)
	if err != nil {
		return Result{}, err
	}
	if !found {
		c.logger.Warn().Str("quota", QuotaName(instanceType)).Msg("quota not found, skipping check")
		res.Skipped = true
		res.Reason = "quota not found"
		return res, nil
	}

	used, err := c.usage(ctx, instanceType)
	if err != nil {
		return Result{}, err
	}

	res.Limit = limit
	res.Used = used
	res.Sufficient = used+float64(want) <= limit
	c.logger.Debug().
		Str("instance_type", instanceType).
		Float64("limit", limit).
		Float64("used", used).
		Int("requested", want).
		Bool("sufficient", res.Sufficient).
		Msg("quota checked")
	return res, nil
}

func (c *Checker) limit(ctx context.Context, instanceType string) (float64, bool, error) {
	name := QuotaName(instanceType)
	in := &servicequotas.ListServiceQuotasInput{ServiceCode: aws.String(serviceCode)}
	for {
		resp, err := c.quotas.ListServiceQuotas(ctx, in)
		if err != nil {
			return 0, false, fmt.Errorf("failed to list service quotas: %w", err)
		}
		for _, q := range resp.Quotas {
			if strings.EqualFold(aws.ToString(q.QuotaName), name) && q.Value != nil {
				return *q.Value, true, nil
			}
		}
		if resp.NextToken == nil || *resp.NextToken == "" {
			return 0, false, nil
		}
		in.NextToken = resp.NextToken
	}
}

// usage sums the instance counts of instanceType across in-service endpoints.
func (c *Checker) usage(ctx context.Context, instanceType string) (float64, error) {
	var (
		used  float64
		token *string
	)
	for {
		resp, err := c.sagemaker.ListEndpoints(ctx, &sagemaker.ListEndpointsInput{
			StatusEquals: smtypes.EndpointStatusInService,
			NextToken:    token,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to list endpoints: %w", err)
		}
		for _, ep := range resp.Endpoints {
			n, err := c.endpointInstances(ctx, aws.ToString(ep.EndpointName), instanceType)
			if err != nil {
				return 0, err
			}
			used += n
		}
		if resp.NextToken == nil || *resp.NextToken == "" {
			return used, nil
		}
		token = resp.NextToken
	}
}

func (c *Checker) endpointInstances(ctx context.Context, endpoint, instanceType string) (float64, error) {
	ep, err := c.sagemaker.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{EndpointName: aws.String(endpoint)})
	if err != nil {
		if awsclient.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to describe endpoint %s: %w", endpoint, err)
	}
	cfg, err := c.sagemaker.DescribeEndpointConfig(ctx, &sagemaker.DescribeEndpointConfigInput{
		EndpointConfigName: ep.EndpointConfigName,
	})
	if err != nil {
		if awsclient.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to describe endpoint config for %s: %w", endpoint, err)
	}

	var n float64
	for _, pv := range cfg.ProductionVariants {
		if string(pv.InstanceType) == instanceType {
			n += float64(aws.ToInt32(pv.InitialInstanceCount))
		}
	}
	return n, nil
}
