package awsclient

import (
	"errors"
	"strings"

	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	cptypes "github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
)

// IsNotFound reports whether err means the addressed resource does not exist
// (yet). It is an allow-list: typed not-found exceptions and CloudFormation
// ValidationErrors saying "does not exist". Everything else is a real failure.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var (
		execNF    *cptypes.PipelineExecutionNotFoundException
		pipeNF    *cptypes.PipelineNotFoundException
		secretNF  *smtypes.ResourceNotFoundException
		bucketNF  *s3types.NoSuchBucket
		s3NF      *s3types.NotFound
		serviceNF *ecstypes.ServiceNotFoundException
		clusterNF *ecstypes.ClusterNotFoundException
	)
	switch {
	case errors.As(err, &execNF), errors.As(err, &pipeNF), errors.As(err, &secretNF),
		errors.As(err, &bucketNF), errors.As(err, &s3NF),
		errors.As(err, &serviceNF), errors.As(err, &clusterNF):
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PipelineExecutionNotFoundException", "NotFound", "NoSuchBucket":
			return true
		case "ValidationError":
			return strings.Contains(apiErr.ErrorMessage(), "does not exist")
		}
	}
	return false
}

// IsPipelineExecutionNotFound reports the race between starting an execution
// and it becoming visible.
func IsPipelineExecutionNotFound(err error) bool {
	var execNF *cptypes.PipelineExecutionNotFoundException
	if errors.As(err, &execNF) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PipelineExecutionNotFoundException"
}

// IsDuplicateStop reports a stop request for an execution that is already
// stopping.
func IsDuplicateStop(err error) bool {
	var dup *cptypes.DuplicatedStopRequestException
	if errors.As(err, &dup) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "DuplicatedStopRequestException"
}

// IsAlreadyExists reports a CloudFormation create that lost the race.
func IsAlreadyExists(err error) bool {
	var exists *cfntypes.AlreadyExistsException
	if errors.As(err, &exists) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "AlreadyExistsException"
}

// IsNoUpdates reports the ValidationError CloudFormation returns when an
// update would not change anything.
func IsNoUpdates(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed")
}
