// Package local runs and tears down deployments that use the local service,
// one Docker container per deployment.
package local

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/davidthor/mdctl/pkg/descriptor"
	"github.com/davidthor/mdctl/pkg/errors"
	"github.com/davidthor/mdctl/pkg/names"
)

// Container labels.
const (
	LabelStack = "mdctl.stack"
	LabelModel = "mdctl.model"
	LabelTag   = "mdctl.tag"
)

// DefaultPort is the port inference engines listen on inside the container.
const DefaultPort = 8000

// DockerAPI is the subset of the Docker client used here.
type DockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Deployment is a container started for a local deployment.
type Deployment struct {
	ContainerID string    `json:"container_id" yaml:"container_id"`
	Name        string    `json:"name" yaml:"name"`
	StackName   string    `json:"stack_name" yaml:"stack_name"`
	Key         names.Key `json:"key" yaml:"key"`
	Image       string    `json:"image" yaml:"image"`
	State       string    `json:"state" yaml:"state"`
	Status      string    `json:"status" yaml:"status"`
	Endpoint    string    `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Created     time.Time `json:"created" yaml:"created"`
}

// Runtime manages local deployment containers.
type Runtime struct {
	docker DockerAPI
	logger zerolog.Logger
}

// NewRuntime connects to the Docker daemon from the environment.
func NewRuntime(logger zerolog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewRuntimeWithClient(cli, logger), nil
}

// NewRuntimeWithClient creates a runtime over an existing client.
func NewRuntimeWithClient(docker DockerAPI, logger zerolog.Logger) *Runtime {
	return &Runtime{docker: docker, logger: logger}
}

// List returns every container carrying the stack label.
func (r *Runtime) List(ctx context.Context) ([]Deployment, error) {
	return r.list(ctx, filters.Arg("label", LabelStack))
}

// Find returns the containers of one stack.
func (r *Runtime) Find(ctx context.Context, stackName string) ([]Deployment, error) {
	return r.list(ctx, filters.Arg("label", LabelStack+"="+stackName))
}

func (r *Runtime) list(ctx context.Context, arg filters.KeyValuePair) ([]Deployment, error) {
	containers, err := r.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(arg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]Deployment, 0, len(containers))
	for _, c := range containers {
		d := Deployment{
			ContainerID: c.ID,
			StackName:   c.Labels[LabelStack],
			Key:         names.NewKey(c.Labels[LabelModel], c.Labels[LabelTag]),
			Image:       c.Image,
			State:       string(c.State),
			Status:      c.Status,
			Created:     time.Unix(c.Created, 0).UTC(),
		}
		if len(c.Names) > 0 {
			d.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				d.Endpoint = fmt.Sprintf("http://localhost:%d", p.PublicPort)
				break
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StackName < out[j].StackName })
	return out, nil
}

// Remove stops and removes the containers of a stack and returns how many
// were removed.
func (r *Runtime) Remove(ctx context.Context, stackName string) (int, error) {
	deployments, err := r.Find(ctx, stackName)
	if err != nil {
		return 0, err
	}
	for _, d := range deployments {
		r.logger.Info().Str("container", d.Name).Str("stack", stackName).Msg("removing local container")
		if d.State == "running" {
			if err := r.docker.ContainerStop(ctx, d.ContainerID, container.StopOptions{}); err != nil {
				return 0, fmt.Errorf("failed to stop container %s: %w", d.Name, err)
			}
		}
		if err := r.docker.ContainerRemove(ctx, d.ContainerID, container.RemoveOptions{Force: true}); err != nil {
			return 0, fmt.Errorf("failed to remove container %s: %w", d.Name, err)
		}
	}
	return len(deployments), nil
}

// Run starts a container for the descriptor using the engine image, CLI
// arguments and environment. The host port comes from the service "port"
// parameter and defaults to DefaultPort.
func (r *Runtime) Run(ctx context.Context, desc *descriptor.Descriptor) (*Deployment, error) {
	stackName := desc.StackName()

	existing, err := r.Find(ctx, stackName)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, errors.AlreadyExists(stackName)
	}

	engine := desc.Engine()
	img, _ := engine["image"].(string)
	if img == "" {
		return nil, errors.ValidationError(
			fmt.Sprintf("engine %s has no image for local deployment", desc.EngineType()), nil)
	}

	reader, err := r.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	env := []string{"MODEL_ID=" + desc.ModelID()}
	if m, ok := engine["environment"].(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, fmt.Sprintf("%s=%v", k, m[k]))
		}
	}

	var cmd []string
	if args, ok := engine["cli_args"].(string); ok {
		cmd = strings.Fields(args)
	}

	containerPort := intParam(engine, "port", DefaultPort)
	hostPort := intParam(desc.Service(), "port", containerPort)
	port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))

	config := &container.Config{
		Image:        img,
		Env:          env,
		Cmd:          cmd,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			LabelStack: stackName,
			LabelModel: desc.ModelID(),
			LabelTag:   desc.Tag(),
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}},
	}
	if intParam(desc.Instance(), "gpus", 0) > 0 {
		hostConfig.DeviceRequests = []container.DeviceRequest{{Count: -1, Capabilities: [][]string{{"gpu"}}}}
	}

	resp, err := r.docker.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, nil, stackName)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := r.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	r.logger.Info().Str("container", stackName).Str("image", img).Int("port", hostPort).Msg("local deployment started")
	return &Deployment{
		ContainerID: resp.ID,
		Name:        stackName,
		StackName:   stackName,
		Key:         desc.Key(),
		Image:       img,
		State:       "running",
		Endpoint:    fmt.Sprintf("http://localhost:%d", hostPort),
		Created:     time.Now().UTC(),
	}, nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
