// Package descriptor resolves deployment requests into immutable descriptors
// and encodes them as pipeline variables.
package descriptor

import (
	"github.com/davidthor/mdctl/pkg/catalog"
	"github.com/davidthor/mdctl/pkg/names"
)

// Override section keys accepted in Request.ExtraParams.
const (
	EngineParams    = "engine_params"
	InstanceParams  = "instance_params"
	ServiceParams   = "service_params"
	FrameworkParams = "framework_params"
	ModelParams     = "model_params"
)

// Descriptor is the resolved, immutable unit of work for one deployment
// attempt. Accessors return copies.
type Descriptor struct {
	key            names.Key
	region         string
	artifactBucket string

	engineType    string
	instanceType  string
	serviceType   string
	frameworkType string

	engine    map[string]any
	instance  map[string]any
	service   map[string]any
	framework map[string]any
	model     map[string]any
	extra     map[string]any
}

func (d *Descriptor) Key() names.Key            { return d.key }
func (d *Descriptor) ModelID() string           { return d.key.ModelID }
func (d *Descriptor) Tag() string               { return d.key.Tag }
func (d *Descriptor) StackName() string         { return d.key.StackName() }
func (d *Descriptor) Region() string            { return d.region }
func (d *Descriptor) ArtifactBucket() string    { return d.artifactBucket }
func (d *Descriptor) EngineType() string        { return d.engineType }
func (d *Descriptor) InstanceType() string      { return d.instanceType }
func (d *Descriptor) ServiceType() string       { return d.serviceType }
func (d *Descriptor) FrameworkType() string     { return d.frameworkType }
func (d *Descriptor) Engine() map[string]any    { return clone(d.engine) }
func (d *Descriptor) Instance() map[string]any  { return clone(d.instance) }
func (d *Descriptor) Service() map[string]any   { return clone(d.service) }
func (d *Descriptor) Framework() map[string]any { return clone(d.framework) }
func (d *Descriptor) Model() map[string]any     { return clone(d.model) }

// WithArtifactBucket returns a copy of the descriptor using bucket.
func (d *Descriptor) WithArtifactBucket(bucket string) *Descriptor {
	c := *d
	c.artifactBucket = bucket
	return &c
}

// Extra returns the free-form parameters that are not part of a section.
func (d *Descriptor) Extra() map[string]any { return clone(d.extra) }

// ExtraParams returns the payload carried by the ExtraParams pipeline
// variable: the four merged sections, the model section and the free-form
// keys.
func (d *Descriptor) ExtraParams() map[string]any {
	out := clone(d.extra)
	out[EngineParams] = clone(d.engine)
	out[InstanceParams] = clone(d.instance)
	out[ServiceParams] = clone(d.service)
	out[FrameworkParams] = clone(d.framework)
	out[ModelParams] = clone(d.model)
	return out
}

func clone(m map[string]any) map[string]any {
	return catalog.CloneParams(m)
}
