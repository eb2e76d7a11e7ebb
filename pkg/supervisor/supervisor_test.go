package supervisor

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderloop/renderq/pkg/types"
)

type fakeBuilds struct {
	build *types.Build
	err   error
}

func (f *fakeBuilds) LatestSuccessfulBuild(workflowID string) (*types.Build, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.build, nil
}

type fakeContainer struct {
	id      string
	name    string
	image   string
	labels  map[string]string
	state   string
	port    uint16
	running bool
}

type fakeDocker struct {
	containers map[string]*fakeContainer
	nextPort   uint16
	logs       string

	created []string
	stopped []string
	removed []string

	createErr error
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers: make(map[string]*fakeContainer),
		nextPort:   32768,
		logs:       "runtime starting\n",
	}
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	var out []container.Summary
	for _, c := range f.containers {
		out = append(out, container.Summary{
			ID:     c.id,
			Names:  []string{"/" + c.name},
			Image:  c.image,
			State:  c.state,
			Labels: c.labels,
			Ports: []container.Port{
				{IP: "127.0.0.1", PrivatePort: 8188, PublicPort: c.port, Type: "tcp"},
			},
		})
	}
	return out, nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	id := fmt.Sprintf("ctr-%d", len(f.containers)+1)
	f.nextPort++
	f.containers[id] = &fakeContainer{
		id:     id,
		name:   containerName,
		image:  config.Image,
		labels: config.Labels,
		state:  "created",
		port:   f.nextPort,
	}
	f.created = append(f.created, id)
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	c.state = "running"
	c.running = true
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	if c, ok := f.containers[containerID]; ok {
		c.state = "exited"
		c.running = false
	}
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	delete(f.containers, containerID)
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	c, ok := f.containers[containerID]
	if !ok {
		return container.InspectResponse{}, fmt.Errorf("no such container: %s", containerID)
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    c.id,
			State: &container.State{Running: c.running},
		},
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{
				Ports: nat.PortMap{
					nat.Port(runtimePort): []nat.PortBinding{
						{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", c.port)},
					},
				},
			},
		},
	}, nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(muxFrame(f.logs))), nil
}

func (f *fakeDocker) Info(ctx context.Context) (system.Info, error) {
	return system.Info{}, nil
}

// muxFrame wraps payload in the daemon's stdout stream framing.
func muxFrame(payload string) []byte {
	header := make([]byte, 8)
	header[0] = 1 // stdout
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func newTestSupervisor(docker *fakeDocker, builds BuildSource) *Supervisor {
	s := newWithClient(docker, builds)
	s.probe = func(url string) error { return nil }
	return s
}

func TestEnsureStartsContainer(t *testing.T) {
	docker := newFakeDocker()
	builds := &fakeBuilds{build: &types.Build{
		ID: "b1", WorkflowID: "wf-1", ImageRef: "renderq/wf-1:abc", Status: types.BuildStatusSuccess,
	}}
	s := newTestSupervisor(docker, builds)

	url, err := s.Ensure(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:32769", url)
	require.Len(t, docker.created, 1)

	c := docker.containers[docker.created[0]]
	assert.Equal(t, "wf-1", c.labels[WorkflowLabel])
	assert.Equal(t, "running", c.state)

	rec, ok := s.Running("wf-1")
	require.True(t, ok)
	assert.Equal(t, "renderq/wf-1:abc", rec.Image)
}

func TestEnsureReusesRunningContainer(t *testing.T) {
	docker := newFakeDocker()
	docker.containers["ctr-old"] = &fakeContainer{
		id:      "ctr-old",
		name:    "renderq-wf-1",
		image:   "renderq/wf-1:abc",
		labels:  map[string]string{WorkflowLabel: "wf-1"},
		state:   "running",
		running: true,
		port:    40000,
	}
	builds := &fakeBuilds{build: &types.Build{
		ID: "b1", WorkflowID: "wf-1", ImageRef: "renderq/wf-1:abc", Status: types.BuildStatusSuccess,
	}}
	s := newTestSupervisor(docker, builds)

	url, err := s.Ensure(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:40000", url)
	assert.Empty(t, docker.created)
	assert.Empty(t, docker.removed)
}

func TestEnsureReplacesStaleImage(t *testing.T) {
	docker := newFakeDocker()
	docker.containers["ctr-old"] = &fakeContainer{
		id:      "ctr-old",
		name:    "renderq-wf-1",
		image:   "renderq/wf-1:old",
		labels:  map[string]string{WorkflowLabel: "wf-1"},
		state:   "running",
		running: true,
		port:    40000,
	}
	builds := &fakeBuilds{build: &types.Build{
		ID: "b2", WorkflowID: "wf-1", ImageRef: "renderq/wf-1:new", Status: types.BuildStatusSuccess,
	}}
	s := newTestSupervisor(docker, builds)

	_, err := s.Ensure(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Contains(t, docker.stopped, "ctr-old")
	assert.Contains(t, docker.removed, "ctr-old")
	require.Len(t, docker.created, 1)
	assert.Equal(t, "renderq/wf-1:new", docker.containers[docker.created[0]].image)
}

func TestEnsurePropagatesBuildRequired(t *testing.T) {
	docker := newFakeDocker()
	builds := &fakeBuilds{err: types.NewError(types.ErrBuildRequired, "no successful image build for workflow wf-1")}
	s := newTestSupervisor(docker, builds)

	_, err := s.Ensure(context.Background(), "wf-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrBuildRequired, types.KindOf(err))
	assert.Empty(t, docker.created)
}

func TestEnsureFailsWithLogTailWhenContainerExits(t *testing.T) {
	docker := newFakeDocker()
	docker.logs = "CUDA out of memory\n"
	builds := &fakeBuilds{build: &types.Build{
		ID: "b1", WorkflowID: "wf-1", ImageRef: "renderq/wf-1:abc", Status: types.BuildStatusSuccess,
	}}
	s := newTestSupervisor(docker, builds)
	s.probe = func(url string) error {
		// Simulate the runtime crashing right after start.
		for _, c := range docker.containers {
			c.running = false
		}
		return fmt.Errorf("connection refused")
	}

	_, err := s.Ensure(context.Background(), "wf-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrRuntimeUnavailable, types.KindOf(err))

	var se *types.Error
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Hint, "CUDA out of memory")
	// Failed container must not be left behind.
	assert.Empty(t, docker.containers)
}

func TestRestartReplacesHealthyContainer(t *testing.T) {
	docker := newFakeDocker()
	builds := &fakeBuilds{build: &types.Build{
		ID: "b1", WorkflowID: "wf-1", ImageRef: "renderq/wf-1:abc", Status: types.BuildStatusSuccess,
	}}
	s := newTestSupervisor(docker, builds)

	_, err := s.Ensure(context.Background(), "wf-1")
	require.NoError(t, err)
	first := docker.created[0]

	_, err = s.Restart(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Contains(t, docker.removed, first)
	require.Len(t, docker.created, 2)
}

func TestLogsReturnsTail(t *testing.T) {
	docker := newFakeDocker()
	docker.containers["ctr-1"] = &fakeContainer{
		id:     "ctr-1",
		image:  "renderq/wf-1:abc",
		labels: map[string]string{WorkflowLabel: "wf-1"},
		state:  "running",
		port:   40000,
	}
	docker.logs = "loading checkpoint\nserver listening\n"
	s := newTestSupervisor(docker, &fakeBuilds{})

	out, err := s.Logs(context.Background(), "wf-1", 10)
	require.NoError(t, err)
	assert.Contains(t, out, "server listening")
}

func TestLogsWithoutContainer(t *testing.T) {
	s := newTestSupervisor(newFakeDocker(), &fakeBuilds{})
	_, err := s.Logs(context.Background(), "wf-404", 10)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}
