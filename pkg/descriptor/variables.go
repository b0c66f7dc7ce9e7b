package descriptor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/davidthor/mdctl/pkg/names"
)

// Pipeline variable names. The pipeline definition declares the same names.
const (
	VarModelStackName = "ModelStackName"
	VarModelID        = "ModelId"
	VarModelTag       = "ModelTag"
	VarServiceType    = "ServiceType"
	VarInstanceType   = "InstanceType"
	VarEngineType     = "EngineType"
	VarExtraParams    = "ExtraParams"
	VarCreateTime     = "CreateTime"
	VarFrameworkType  = "FrameworkType"
	VarRegion         = "Region"
	VarDeployVersion  = "DeployVersion"
)

// quotePlaceholder replaces double quotes inside ExtraParams. Pipeline
// variable values do not survive embedded quotes through the Build stage.
const quotePlaceholder = "<!dq!>"

// Variable is one named pipeline variable.
type Variable struct {
	Name  string
	Value string
}

// Variables returns the pipeline variables for the descriptor in the order
// the pipeline declares them.
func (d *Descriptor) Variables(createTime time.Time) ([]Variable, error) {
	extra, err := EncodeExtraParams(d.ExtraParams())
	if err != nil {
		return nil, err
	}
	return []Variable{
		{Name: VarModelStackName, Value: d.StackName()},
		{Name: VarModelID, Value: d.ModelID()},
		{Name: VarModelTag, Value: d.Tag()},
		{Name: VarServiceType, Value: d.serviceType},
		{Name: VarInstanceType, Value: d.instanceType},
		{Name: VarEngineType, Value: d.engineType},
		{Name: VarExtraParams, Value: extra},
		{Name: VarCreateTime, Value: strconv.FormatInt(createTime.Unix(), 10)},
		{Name: VarFrameworkType, Value: d.frameworkType},
		{Name: VarRegion, Value: d.region},
	}, nil
}

// EncodeExtraParams serializes params as JSON with double quotes replaced by
// the transport placeholder.
func EncodeExtraParams(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode extra params: %w", err)
	}
	return strings.ReplaceAll(string(raw), `"`, quotePlaceholder), nil
}

// DecodeExtraParams restores the placeholder and parses the JSON payload. An
// empty value decodes to an empty map.
func DecodeExtraParams(s string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(strings.ReplaceAll(s, quotePlaceholder, `"`)), &out); err != nil {
		return nil, fmt.Errorf("failed to decode extra params: %w", err)
	}
	return out, nil
}

// Summary is the view of a descriptor recovered from resolved pipeline
// variables.
type Summary struct {
	StackName     string         `json:"stack_name" yaml:"stack_name"`
	Key           names.Key      `json:"key" yaml:"key"`
	ServiceType   string         `json:"service_type,omitempty" yaml:"service_type,omitempty"`
	InstanceType  string         `json:"instance_type,omitempty" yaml:"instance_type,omitempty"`
	EngineType    string         `json:"engine_type,omitempty" yaml:"engine_type,omitempty"`
	FrameworkType string         `json:"framework_type,omitempty" yaml:"framework_type,omitempty"`
	Region        string         `json:"region,omitempty" yaml:"region,omitempty"`
	CreateTime    time.Time      `json:"create_time" yaml:"create_time"`
	ExtraParams   map[string]any `json:"extra_params,omitempty" yaml:"extra_params,omitempty"`

	// DeployVersion is read when the variable is present. Nothing in the
	// deploy path sets it.
	DeployVersion string `json:"deploy_version,omitempty" yaml:"deploy_version,omitempty"`
}

// SummaryFromVariables decodes resolved pipeline variables. Missing
// variables leave zero values; a missing stack name is derived from the key.
// An undecodable ExtraParams is dropped rather than failing the summary.
func SummaryFromVariables(vars map[string]string) Summary {
	s := Summary{
		Key:           names.NewKey(vars[VarModelID], vars[VarModelTag]),
		StackName:     vars[VarModelStackName],
		ServiceType:   vars[VarServiceType],
		InstanceType:  vars[VarInstanceType],
		EngineType:    vars[VarEngineType],
		FrameworkType: vars[VarFrameworkType],
		Region:        vars[VarRegion],
		DeployVersion: vars[VarDeployVersion],
	}
	if s.StackName == "" && s.Key.ModelID != "" {
		s.StackName = s.Key.StackName()
	}
	if ts, err := strconv.ParseInt(vars[VarCreateTime], 10, 64); err == nil {
		s.CreateTime = time.Unix(ts, 0).UTC()
	}
	if extra, err := DecodeExtraParams(vars[VarExtraParams]); err == nil {
		s.ExtraParams = extra
	}
	return s
}
