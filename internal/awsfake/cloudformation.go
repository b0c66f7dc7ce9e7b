// Package awsfake provides in-memory implementations of the awsclient
// interfaces for tests.
package awsfake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"
)

// CloudFormation is an in-memory CloudFormation.
type CloudFormation struct {
	mu     sync.Mutex
	stacks map[string]*cfntypes.Stack

	// CreateStatus is the status a created stack lands in. Defaults to CREATE_COMPLETE.
	CreateStatus cfntypes.StackStatus
	// UpdateStatus is the status an updated stack lands in. Defaults to UPDATE_COMPLETE.
	UpdateStatus cfntypes.StackStatus
	// OnDelete runs after a DeleteStack request, under no lock. Nil leaves the
	// stack in DELETE_IN_PROGRESS.
	OnDelete func(name string)

	DescribeErr error
	ListErr     error
	CreateErr   error
	UpdateErr   error
	// Block makes DescribeStacks and ListStacks wait until ctx is done.
	Block bool

	Deleted       []string
	Created       []*cloudformation.CreateStackInput
	Updated       []*cloudformation.UpdateStackInput
	ListCalls     int
	DescribeCalls int
}

// NewCloudFormation creates an empty fake.
func NewCloudFormation() *CloudFormation {
	return &CloudFormation{stacks: make(map[string]*cfntypes.Stack)}
}

// PutStack creates or replaces a stack.
func (f *CloudFormation) PutStack(name, status string, params, outputs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &cfntypes.Stack{
		StackName:    aws.String(name),
		StackStatus:  cfntypes.StackStatus(status),
		CreationTime: aws.Time(time.Now()),
	}
	for k, v := range params {
		s.Parameters = append(s.Parameters, cfntypes.Parameter{ParameterKey: aws.String(k), ParameterValue: aws.String(v)})
	}
	for k, v := range outputs {
		s.Outputs = append(s.Outputs, cfntypes.Output{OutputKey: aws.String(k), OutputValue: aws.String(v)})
	}
	f.stacks[name] = s
}

// SetStatus changes a stack's status.
func (f *CloudFormation) SetStatus(name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stacks[name]; ok {
		s.StackStatus = cfntypes.StackStatus(status)
	}
}

// Remove deletes a stack outright.
func (f *CloudFormation) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stacks, name)
}

// Status returns a stack's status and whether it exists.
func (f *CloudFormation) Status(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stacks[name]
	if !ok {
		return "", false
	}
	return string(s.StackStatus), true
}

// Parameter returns a stack parameter value.
func (f *CloudFormation) Parameter(name, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stacks[name]
	if !ok {
		return ""
	}
	for _, p := range s.Parameters {
		if aws.ToString(p.ParameterKey) == key {
			return aws.ToString(p.ParameterValue)
		}
	}
	return ""
}

func notExist(name string) error {
	return &smithy.GenericAPIError{
		Code:    "ValidationError",
		Message: fmt.Sprintf("Stack with id %s does not exist", name),
	}
}

func (f *CloudFormation) sorted() []cfntypes.Stack {
	names := make([]string, 0, len(f.stacks))
	for n := range f.stacks {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]cfntypes.Stack, 0, len(names))
	for _, n := range names {
		out = append(out, *f.stacks[n])
	}
	return out
}

func (f *CloudFormation) DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	if f.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DescribeCalls++
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	if in.StackName != nil {
		s, ok := f.stacks[*in.StackName]
		if !ok {
			return nil, notExist(*in.StackName)
		}
		return &cloudformation.DescribeStacksOutput{Stacks: []cfntypes.Stack{*s}}, nil
	}
	return &cloudformation.DescribeStacksOutput{Stacks: f.sorted()}, nil
}

func (f *CloudFormation) ListStacks(ctx context.Context, in *cloudformation.ListStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.ListStacksOutput, error) {
	if f.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	allowed := make(map[cfntypes.StackStatus]bool, len(in.StackStatusFilter))
	for _, s := range in.StackStatusFilter {
		allowed[s] = true
	}
	out := &cloudformation.ListStacksOutput{}
	for _, s := range f.sorted() {
		if len(allowed) > 0 && !allowed[s.StackStatus] {
			continue
		}
		out.StackSummaries = append(out.StackSummaries, cfntypes.StackSummary{
			StackName:    s.StackName,
			StackStatus:  s.StackStatus,
			CreationTime: s.CreationTime,
		})
	}
	return out, nil
}

func (f *CloudFormation) DeleteStack(_ context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	name := aws.ToString(in.StackName)
	f.mu.Lock()
	f.Deleted = append(f.Deleted, name)
	if s, ok := f.stacks[name]; ok {
		s.StackStatus = cfntypes.StackStatusDeleteInProgress
	}
	hook := f.OnDelete
	f.mu.Unlock()

	if hook != nil {
		hook(name)
	}
	return &cloudformation.DeleteStackOutput{}, nil
}

func (f *CloudFormation) CreateStack(_ context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, in)
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	name := aws.ToString(in.StackName)
	if _, ok := f.stacks[name]; ok {
		return nil, &cfntypes.AlreadyExistsException{Message: aws.String(fmt.Sprintf("Stack [%s] already exists", name))}
	}
	status := f.CreateStatus
	if status == "" {
		status = cfntypes.StackStatusCreateComplete
	}
	f.stacks[name] = &cfntypes.Stack{
		StackName:    in.StackName,
		StackStatus:  status,
		Parameters:   in.Parameters,
		CreationTime: aws.Time(time.Now()),
	}
	return &cloudformation.CreateStackOutput{StackId: aws.String("arn:aws:cloudformation:stack/" + name)}, nil
}

func (f *CloudFormation) UpdateStack(_ context.Context, in *cloudformation.UpdateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updated = append(f.Updated, in)
	if f.UpdateErr != nil {
		return nil, f.UpdateErr
	}
	name := aws.ToString(in.StackName)
	s, ok := f.stacks[name]
	if !ok {
		return nil, notExist(name)
	}
	status := f.UpdateStatus
	if status == "" {
		status = cfntypes.StackStatusUpdateComplete
	}
	s.Parameters = in.Parameters
	s.StackStatus = status
	return &cloudformation.UpdateStackOutput{StackId: aws.String("arn:aws:cloudformation:stack/" + name)}, nil
}
