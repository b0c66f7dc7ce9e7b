// Package catalog holds the read-only registry of deployable models and the
// engine, instance, service and framework variants they support.
//
// A Catalog is built once at startup through a Builder (or Load/Default) and
// passed by reference to the components that need it. It is never mutated
// after Build.
package catalog

import "maps"

// Kind identifies the axis a variant belongs to.
type Kind int

const (
	KindEngine Kind = iota + 1
	KindInstance
	KindService
	KindFramework
)

// String returns the axis name used in error messages and pipeline variables.
func (k Kind) String() string {
	switch k {
	case KindEngine:
		return "engine"
	case KindInstance:
		return "instance"
	case KindService:
		return "service"
	case KindFramework:
		return "framework"
	default:
		return "unknown"
	}
}

// Variant is the capability every variant kind supplies. Kind-specific
// fields live on the concrete types (Engine, Instance, Service, Framework).
type Variant interface {
	Kind() Kind
	Tag() string
	// Params returns a fresh copy of the variant's base configuration, the
	// starting point of the descriptor override merge.
	Params() map[string]any
}

// Engine is an inference engine configuration.
type Engine struct {
	Name        string            `yaml:"tag"`
	Description string            `yaml:"description,omitempty"`
	Image       string            `yaml:"image,omitempty"`
	CLIArgs     string            `yaml:"cli_args,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Extra       map[string]any    `yaml:"params,omitempty"`
}

func (e *Engine) Kind() Kind  { return KindEngine }
func (e *Engine) Tag() string { return e.Name }

func (e *Engine) Params() map[string]any {
	p := copyParams(e.Extra)
	p["engine_type"] = e.Name
	if e.Image != "" {
		p["image"] = e.Image
	}
	if e.CLIArgs != "" {
		p["cli_args"] = e.CLIArgs
	}
	if len(e.Environment) > 0 {
		env := make(map[string]any, len(e.Environment))
		for k, v := range e.Environment {
			env[k] = v
		}
		p["environment"] = env
	}
	return p
}

// Instance is a compute instance type.
type Instance struct {
	Name      string         `yaml:"tag"`
	VCPUs     int            `yaml:"vcpus,omitempty"`
	GPUs      int            `yaml:"gpus,omitempty"`
	MemoryGiB float64        `yaml:"memory_gib,omitempty"`
	Extra     map[string]any `yaml:"params,omitempty"`
}

func (i *Instance) Kind() Kind  { return KindInstance }
func (i *Instance) Tag() string { return i.Name }

func (i *Instance) Params() map[string]any {
	p := copyParams(i.Extra)
	p["instance_type"] = i.Name
	if i.VCPUs > 0 {
		p["vcpus"] = i.VCPUs
	}
	if i.GPUs > 0 {
		p["gpus"] = i.GPUs
	}
	if i.MemoryGiB > 0 {
		p["memory_gib"] = i.MemoryGiB
	}
	return p
}

// ServiceKind is the hosting platform behind a service variant.
type ServiceKind string

const (
	ServiceSageMaker      ServiceKind = "sagemaker"
	ServiceSageMakerAsync ServiceKind = "sagemaker_async"
	ServiceECS            ServiceKind = "ecs"
	ServiceLocal          ServiceKind = "local"
)

// Service is a hosting service configuration.
type Service struct {
	Name        string      `yaml:"tag"`
	Description string      `yaml:"description,omitempty"`
	Platform    ServiceKind `yaml:"kind"`
	// TemplateParams maps descriptor fields onto infrastructure template
	// parameter names.
	TemplateParams map[string]string `yaml:"template_params,omitempty"`
	// QuotaChecked enables the quota check before deploying.
	QuotaChecked bool           `yaml:"quota_checked,omitempty"`
	Extra        map[string]any `yaml:"params,omitempty"`
}

func (s *Service) Kind() Kind  { return KindService }
func (s *Service) Tag() string { return s.Name }

func (s *Service) Params() map[string]any {
	p := copyParams(s.Extra)
	p["service_type"] = s.Name
	p["platform"] = string(s.Platform)
	if len(s.TemplateParams) > 0 {
		m := make(map[string]any, len(s.TemplateParams))
		for k, v := range s.TemplateParams {
			m[k] = v
		}
		p["template_params"] = m
	}
	return p
}

// Framework is the API framework exposed in front of the engine.
type Framework struct {
	Name        string         `yaml:"tag"`
	Description string         `yaml:"description,omitempty"`
	Extra       map[string]any `yaml:"params,omitempty"`
}

func (f *Framework) Kind() Kind  { return KindFramework }
func (f *Framework) Tag() string { return f.Name }

func (f *Framework) Params() map[string]any {
	p := copyParams(f.Extra)
	p["framework_type"] = f.Name
	return p
}

// Entry describes one deployable model and the variants it supports. The
// first tag of each list is the default for that axis.
type Entry struct {
	ModelID        string   `yaml:"id"`
	Description    string   `yaml:"description,omitempty"`
	Engines        []string `yaml:"engines"`
	Instances      []string `yaml:"instances"`
	Services       []string `yaml:"services"`
	Frameworks     []string `yaml:"frameworks"`
	AllowedRegions []string `yaml:"allowed_regions,omitempty"`

	// Provenance flags.
	NeedsPrepare bool   `yaml:"needs_prepare,omitempty"`
	FromHub      string `yaml:"from_hub,omitempty"`
}

// Supported returns the supported tags for an axis.
func (e *Entry) Supported(k Kind) []string {
	switch k {
	case KindEngine:
		return e.Engines
	case KindInstance:
		return e.Instances
	case KindService:
		return e.Services
	case KindFramework:
		return e.Frameworks
	}
	return nil
}

// Supports reports whether tag is in the supported set for an axis.
func (e *Entry) Supports(k Kind, tag string) bool {
	for _, t := range e.Supported(k) {
		if t == tag {
			return true
		}
	}
	return false
}

// AllowsRegion reports whether the model may be deployed to region. An entry
// without allowed regions allows every region.
func (e *Entry) AllowsRegion(region string) bool {
	if len(e.AllowedRegions) == 0 {
		return true
	}
	for _, r := range e.AllowedRegions {
		if r == region {
			return true
		}
	}
	return false
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Engines = append([]string(nil), e.Engines...)
	c.Instances = append([]string(nil), e.Instances...)
	c.Services = append([]string(nil), e.Services...)
	c.Frameworks = append([]string(nil), e.Frameworks...)
	c.AllowedRegions = append([]string(nil), e.AllowedRegions...)
	return &c
}

func copyParams(m map[string]any) map[string]any {
	p := make(map[string]any, len(m)+4)
	for k, v := range m {
		p[k] = cloneValue(v)
	}
	return p
}

// CloneParams returns a deep copy of m. Nested maps and slices are copied so
// the result shares nothing with m.
func CloneParams(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneParams(t)
	case map[string]string:
		return maps.Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
