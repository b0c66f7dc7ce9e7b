package descriptor

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/davidthor/mdctl/pkg/catalog"
	"github.com/davidthor/mdctl/pkg/errors"
	"github.com/davidthor/mdctl/pkg/names"
)

// Request is the caller input to Resolve. Empty variant tags select the
// model's default (first supported) variant for that axis.
type Request struct {
	ModelID        string `validate:"required"`
	Tag            string
	Engine         string
	Instance       string
	Service        string
	Framework      string
	Region         string `validate:"required"`
	ArtifactBucket string `validate:"required"`

	// ExtraParams is free-form. The optional sub-maps engine_params,
	// instance_params, service_params and framework_params override keys of
	// the corresponding section; model_params is carried as its own section.
	ExtraParams map[string]any
}

// Resolver builds descriptors from the catalog.
type Resolver struct {
	catalog  *catalog.Catalog
	validate *validator.Validate
}

// NewResolver creates a resolver over a catalog.
func NewResolver(c *catalog.Catalog) *Resolver {
	return &Resolver{
		catalog:  c,
		validate: validator.New(),
	}
}

// Resolve validates the request against the catalog and returns the merged
// descriptor. It performs no I/O.
func (r *Resolver) Resolve(req Request) (*Descriptor, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("invalid deploy request: %s", describeValidation(err)), nil)
	}

	entry, ok := r.catalog.Entry(req.ModelID)
	if !ok {
		return nil, errors.NotSupported("model", req.ModelID)
	}
	if !entry.AllowsRegion(req.Region) {
		return nil, errors.NotSupported("region", req.Region).WithDetail("model_id", req.ModelID)
	}

	overrides, extra, err := splitOverrides(req.ExtraParams)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		key:            names.NewKey(req.ModelID, req.Tag),
		region:         req.Region,
		artifactBucket: req.ArtifactBucket,
		model:          overrides[ModelParams],
		extra:          extra,
	}

	chosen := map[catalog.Kind]string{
		catalog.KindEngine:    req.Engine,
		catalog.KindInstance:  req.Instance,
		catalog.KindService:   req.Service,
		catalog.KindFramework: req.Framework,
	}
	sections := map[catalog.Kind]string{
		catalog.KindEngine:    EngineParams,
		catalog.KindInstance:  InstanceParams,
		catalog.KindService:   ServiceParams,
		catalog.KindFramework: FrameworkParams,
	}

	for _, kind := range []catalog.Kind{catalog.KindEngine, catalog.KindInstance, catalog.KindService, catalog.KindFramework} {
		tag := chosen[kind]
		if tag == "" {
			tag = entry.Supported(kind)[0]
		}
		if !entry.Supports(kind, tag) {
			return nil, errors.NotSupported(kind.String(), tag).WithDetail("model_id", req.ModelID)
		}
		v, ok := r.catalog.Variant(kind, tag)
		if !ok {
			return nil, errors.NotSupported(kind.String(), tag)
		}

		section := v.Params()
		for k, val := range overrides[sections[kind]] {
			section[k] = val
		}

		switch kind {
		case catalog.KindEngine:
			d.engineType, d.engine = tag, section
		case catalog.KindInstance:
			d.instanceType, d.instance = tag, section
		case catalog.KindService:
			d.serviceType, d.service = tag, section
		case catalog.KindFramework:
			d.frameworkType, d.framework = tag, section
		}
	}

	return d, nil
}

// splitOverrides separates the section sub-maps from free-form parameters.
// The input map is not modified.
func splitOverrides(params map[string]any) (map[string]map[string]any, map[string]any, error) {
	overrides := map[string]map[string]any{}
	extra := make(map[string]any)
	for k, v := range clone(params) {
		switch k {
		case EngineParams, InstanceParams, ServiceParams, FrameworkParams, ModelParams:
			if v == nil {
				continue
			}
			m, ok := v.(map[string]any)
			if !ok {
				return nil, nil, errors.ValidationError(
					fmt.Sprintf("extra parameter %q must be an object, got %T", k, v),
					map[string]interface{}{"key": k},
				)
			}
			overrides[k] = m
		default:
			extra[k] = v
		}
	}
	if overrides[ModelParams] == nil {
		overrides[ModelParams] = map[string]any{}
	}
	return overrides, extra, nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(fields, ", ")
}
