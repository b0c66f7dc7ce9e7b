package stacks

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"github.com/davidthor/mdctl/pkg/awsclient"
)

// Cache answers existence and status questions for many stacks with a single
// ListStacks query instead of one DescribeStacks call per name.
type Cache struct {
	cfn awsclient.CloudFormationAPI
}

// NewCache creates a stack status cache.
func NewCache(cfn awsclient.CloudFormationAPI) *Cache {
	return &Cache{cfn: cfn}
}

// liveStatuses is every stack status except DELETE_COMPLETE.
func liveStatuses() []cfntypes.StackStatus {
	all := cfntypes.StackStatus("").Values()
	out := make([]cfntypes.StackStatus, 0, len(all))
	for _, s := range all {
		if s != cfntypes.StackStatusDeleteComplete {
			out = append(out, s)
		}
	}
	return out
}

// Lookup returns name -> status for every requested name that exists. Names
// absent from the result do not exist. An empty request makes no call.
func (c *Cache) Lookup(ctx context.Context, stackNames []string) (map[string]string, error) {
	result := make(map[string]string, len(stackNames))
	if len(stackNames) == 0 {
		return result, nil
	}

	wanted := make(map[string]struct{}, len(stackNames))
	for _, n := range stackNames {
		wanted[n] = struct{}{}
	}

	in := &cloudformation.ListStacksInput{StackStatusFilter: liveStatuses()}
	for {
		resp, err := c.cfn.ListStacks(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to list stacks: %w", err)
		}
		for _, s := range resp.StackSummaries {
			name := aws.ToString(s.StackName)
			if _, ok := wanted[name]; ok {
				result[name] = string(s.StackStatus)
			}
		}
		if resp.NextToken == nil || *resp.NextToken == "" {
			break
		}
		in.NextToken = resp.NextToken
	}
	return result, nil
}
