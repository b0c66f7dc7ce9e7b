// Package stacks reads and deletes the CloudFormation stacks created by the
// deploy stage of the pipeline.
package stacks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/rs/zerolog"

	"github.com/davidthor/mdctl/pkg/awsclient"
	"github.com/davidthor/mdctl/pkg/errors"
	"github.com/davidthor/mdctl/pkg/names"
)

// Stack statuses referenced by mdctl.
const (
	StatusDeleteComplete = string(cfntypes.StackStatusDeleteComplete)
	StatusDeleteFailed   = string(cfntypes.StackStatusDeleteFailed)
)

// Stack is a deployed model stack.
type Stack struct {
	Name         string            `json:"stack_name" yaml:"stack_name"`
	Status       string            `json:"status" yaml:"status"`
	StatusReason string            `json:"status_reason,omitempty" yaml:"status_reason,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	CreatedAt    time.Time         `json:"created_at" yaml:"created_at"`
}

// Key returns the deployment key recorded in the stack parameters. Stacks
// created outside the pipeline may not carry it.
func (s Stack) Key() (names.Key, bool) {
	id := s.Parameters["ModelId"]
	if id == "" {
		return names.Key{}, false
	}
	return names.NewKey(id, s.Parameters["ModelTag"]), true
}

// Matches reports whether the stack belongs to key.
func (s Stack) Matches(key names.Key) bool {
	return s.Name == key.StackName()
}

// IsInProgress reports a transitional status.
func IsInProgress(status string) bool {
	return strings.HasSuffix(status, "_IN_PROGRESS")
}

// IsFailed reports a terminal failure: any *_FAILED status or a completed
// rollback.
func IsFailed(status string) bool {
	return strings.HasSuffix(status, "_FAILED") || strings.HasSuffix(status, "ROLLBACK_COMPLETE")
}

// IsComplete reports a stable, successful status.
func IsComplete(status string) bool {
	return strings.HasSuffix(status, "_COMPLETE") && !IsFailed(status) && status != StatusDeleteComplete
}

// Client wraps the CloudFormation calls used for model stacks.
type Client struct {
	cfn    awsclient.CloudFormationAPI
	logger zerolog.Logger
}

// NewClient creates a stacks client.
func NewClient(cfn awsclient.CloudFormationAPI, logger zerolog.Logger) *Client {
	return &Client{cfn: cfn, logger: logger}
}

// List returns every model stack (reserved prefix) that is not deleted,
// sorted by name.
func (c *Client) List(ctx context.Context) ([]Stack, error) {
	var (
		out   []Stack
		token *string
	)
	for {
		resp, err := c.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("failed to describe stacks: %w", err)
		}
		for _, s := range resp.Stacks {
			st := fromSDK(s)
			if !names.IsModelStack(st.Name) || st.Status == StatusDeleteComplete {
				continue
			}
			out = append(out, st)
		}
		if resp.NextToken == nil || *resp.NextToken == "" {
			break
		}
		token = resp.NextToken
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get describes a single stack. A missing stack returns an ErrCodeNotFound
// error.
func (c *Client) Get(ctx context.Context, name string) (*Stack, error) {
	resp, err := c.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		if awsclient.IsNotFound(err) {
			return nil, errors.NotFoundError("stack", name)
		}
		return nil, fmt.Errorf("failed to describe stack %s: %w", name, err)
	}
	if len(resp.Stacks) == 0 {
		return nil, errors.NotFoundError("stack", name)
	}
	st := fromSDK(resp.Stacks[0])
	if st.Status == StatusDeleteComplete {
		return nil, errors.NotFoundError("stack", name)
	}
	return &st, nil
}

// Exists reports whether a non-deleted stack named name exists.
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	_, err := c.Get(ctx, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errors.ErrCodeNotFound) {
		return false, nil
	}
	return false, err
}

// Delete requests deletion of a stack.
func (c *Client) Delete(ctx context.Context, name string) error {
	c.logger.Info().Str("stack", name).Msg("deleting stack")
	if _, err := c.cfn.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete stack %s: %w", name, err)
	}
	return nil
}

// DestroyStatus is the progress of a stack deletion.
type DestroyStatus struct {
	// Terminal is set once polling can stop.
	Terminal bool
	// Succeeded is set when the stack no longer exists.
	Succeeded bool
	Status    string
	Reason    string
}

// DestroyStatus reports the deletion progress of a stack. A stack that can no
// longer be found has been deleted.
func (c *Client) DestroyStatus(ctx context.Context, name string) (DestroyStatus, error) {
	st, err := c.Get(ctx, name)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return DestroyStatus{Terminal: true, Succeeded: true, Status: StatusDeleteComplete}, nil
		}
		return DestroyStatus{}, err
	}
	if st.Status == StatusDeleteFailed {
		return DestroyStatus{Terminal: true, Status: st.Status, Reason: st.StatusReason}, nil
	}
	return DestroyStatus{Status: st.Status, Reason: st.StatusReason}, nil
}

func fromSDK(s cfntypes.Stack) Stack {
	st := Stack{
		Name:         aws.ToString(s.StackName),
		Status:       string(s.StackStatus),
		StatusReason: aws.ToString(s.StackStatusReason),
		Parameters:   make(map[string]string, len(s.Parameters)),
		Outputs:      make(map[string]string, len(s.Outputs)),
		CreatedAt:    aws.ToTime(s.CreationTime),
	}
	for _, p := range s.Parameters {
		st.Parameters[aws.ToString(p.ParameterKey)] = aws.ToString(p.ParameterValue)
	}
	for _, o := range s.Outputs {
		st.Outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return st
}
