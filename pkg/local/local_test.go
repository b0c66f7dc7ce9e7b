package local

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/mdctl/pkg/catalog"
	"github.com/davidthor/mdctl/pkg/descriptor"
	"github.com/davidthor/mdctl/pkg/errors"
)

type mockDocker struct {
	mu         sync.Mutex
	containers []container.Summary
	created    []*container.Config
	hosts      []*container.HostConfig
	pulled     []string
	stopped    []string
	removed    []string
	startErr   error
}

func (m *mockDocker) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []container.Summary
	for _, c := range m.containers {
		ok := true
		for _, want := range options.Filters.Get("label") {
			k, v, hasValue := strings.Cut(want, "=")
			got, present := c.Labels[k]
			if !present || (hasValue && got != v) {
				ok = false
			}
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("c%d", len(m.containers)+1)
	m.created = append(m.created, config)
	m.hosts = append(m.hosts, hostConfig)
	m.containers = append(m.containers, container.Summary{
		ID:     id,
		Names:  []string{"/" + name},
		Image:  config.Image,
		Labels: config.Labels,
		State:  "created",
	})
	return container.CreateResponse{ID: id}, nil
}

func (m *mockDocker) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	return m.startErr
}

func (m *mockDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *mockDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	kept := m.containers[:0]
	for _, c := range m.containers {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	m.containers = kept
	return nil
}

func (m *mockDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulled = append(m.pulled, ref)
	return io.NopCloser(strings.NewReader("{}")), nil
}

func localDescriptor(t *testing.T, extra map[string]any) *descriptor.Descriptor {
	t.Helper()
	b := catalog.NewBuilder()
	b.AddVariant(&catalog.Engine{
		Name:        "vllm",
		Image:       "vllm/vllm-openai:test",
		CLIArgs:     "--max-model-len 4096",
		Environment: map[string]string{"B": "2", "A": "1"},
	})
	b.AddVariant(&catalog.Instance{Name: "local"})
	b.AddVariant(&catalog.Service{Name: "local", Platform: catalog.ServiceLocal})
	b.AddVariant(&catalog.Framework{Name: "openai"})
	b.AddModel(catalog.Entry{
		ModelID:    "Qwen2.5-0.5B",
		Engines:    []string{"vllm"},
		Instances:  []string{"local"},
		Services:   []string{"local"},
		Frameworks: []string{"openai"},
	})
	c, err := b.Build()
	require.NoError(t, err)

	d, err := descriptor.NewResolver(c).Resolve(descriptor.Request{
		ModelID:        "Qwen2.5-0.5B",
		Tag:            "t1",
		Region:         "us-east-1",
		ArtifactBucket: "bucket",
		ExtraParams:    extra,
	})
	require.NoError(t, err)
	return d
}

func TestRun_CreatesLabelledContainer(t *testing.T) {
	docker := &mockDocker{}
	rt := NewRuntimeWithClient(docker, zerolog.Nop())
	desc := localDescriptor(t, map[string]any{
		descriptor.ServiceParams: map[string]any{"port": 9000},
	})

	dep, err := rt.Run(context.Background(), desc)
	require.NoError(t, err)

	assert.Equal(t, desc.StackName(), dep.StackName)
	assert.Equal(t, "http://localhost:9000", dep.Endpoint)
	assert.Equal(t, []string{"vllm/vllm-openai:test"}, docker.pulled)

	require.Len(t, docker.created, 1)
	cfg := docker.created[0]
	assert.Equal(t, desc.StackName(), cfg.Labels[LabelStack])
	assert.Equal(t, "Qwen2.5-0.5B", cfg.Labels[LabelModel])
	assert.Equal(t, "t1", cfg.Labels[LabelTag])
	assert.Equal(t, []string{"MODEL_ID=Qwen2.5-0.5B", "A=1", "B=2"}, cfg.Env)
	assert.Equal(t, []string{"--max-model-len", "4096"}, []string(cfg.Cmd))

	port := nat.Port("8000/tcp")
	assert.Contains(t, cfg.ExposedPorts, port)
	assert.Equal(t, "9000", docker.hosts[0].PortBindings[port][0].HostPort)
	assert.Empty(t, docker.hosts[0].DeviceRequests)
}

func TestRun_AlreadyExists(t *testing.T) {
	docker := &mockDocker{}
	rt := NewRuntimeWithClient(docker, zerolog.Nop())
	desc := localDescriptor(t, nil)

	_, err := rt.Run(context.Background(), desc)
	require.NoError(t, err)

	_, err = rt.Run(context.Background(), desc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyExists))
	assert.Len(t, docker.created, 1)
}

func TestRun_StartFailureRemovesContainer(t *testing.T) {
	docker := &mockDocker{startErr: fmt.Errorf("no runtime")}
	rt := NewRuntimeWithClient(docker, zerolog.Nop())

	_, err := rt.Run(context.Background(), localDescriptor(t, nil))
	require.Error(t, err)
	assert.Equal(t, []string{"c1"}, docker.removed)
}

func TestListAndRemove(t *testing.T) {
	docker := &mockDocker{containers: []container.Summary{
		{ID: "a", Names: []string{"/mdctl-model-b"}, State: "running", Created: 1700000000,
			Labels: map[string]string{LabelStack: "mdctl-model-b", LabelModel: "b", LabelTag: "dev"}},
		{ID: "b", Names: []string{"/mdctl-model-a-t1"}, State: "exited",
			Labels: map[string]string{LabelStack: "mdctl-model-a-t1", LabelModel: "a", LabelTag: "t1"}},
		{ID: "c", Names: []string{"/unrelated"}, State: "running"},
	}}
	rt := NewRuntimeWithClient(docker, zerolog.Nop())
	ctx := context.Background()

	all, err := rt.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "mdctl-model-a-t1", all[0].StackName)
	assert.Equal(t, "a/t1", all[0].Key.String())
	assert.Equal(t, int64(1700000000), all[1].Created.Unix())

	n, err := rt.Remove(ctx, "mdctl-model-b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, docker.stopped)
	assert.Equal(t, []string{"a"}, docker.removed)

	n, err = rt.Remove(ctx, "mdctl-model-a-t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, docker.stopped)

	n, err = rt.Remove(ctx, "mdctl-model-missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}
