package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/renderloop/renderq/pkg/log"
	"github.com/renderloop/renderq/pkg/types"
)

const (
	// WorkflowLabel marks runtime containers managed by this supervisor.
	WorkflowLabel = "renderq.workflow"

	// runtimePort is the inference server port inside the container.
	runtimePort = "8188/tcp"

	readyTimeout  = 60 * time.Second
	readyInterval = 1 * time.Second
	stopGrace     = 10 // seconds

	logTailLines = 50
)

// BuildSource resolves the image to run for a workflow.
type BuildSource interface {
	LatestSuccessfulBuild(workflowID string) (*types.Build, error)
}

// dockerAPI is the subset of the Docker client the supervisor uses.
// Narrowed so tests can substitute a fake.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Info(ctx context.Context) (system.Info, error)
}

// Supervisor guarantees one healthy runtime container per workflow,
// reachable on a bound localhost port. It is the only component that
// starts or stops containers carrying the workflow label.
type Supervisor struct {
	docker dockerAPI
	builds BuildSource
	logger zerolog.Logger

	// probe checks runtime readiness; swapped in tests.
	probe func(url string) error

	gpuRuntime bool

	mu         sync.Mutex
	containers map[string]*types.RuntimeContainer
}

// New connects to the local Docker daemon and detects GPU runtime
// availability.
func New(builds BuildSource) (*Supervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newWithClient(cli, builds), nil
}

func newWithClient(cli dockerAPI, builds BuildSource) *Supervisor {
	s := &Supervisor{
		docker:     cli,
		builds:     builds,
		logger:     log.WithComponent("supervisor"),
		containers: make(map[string]*types.RuntimeContainer),
	}
	s.probe = defaultProbe

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if info, err := cli.Info(ctx); err == nil {
		_, s.gpuRuntime = info.Runtimes["nvidia"]
	}
	return s
}

// Ensure makes sure a healthy runtime container for workflowID exists
// and returns its local base URL. After a successful return there is
// exactly one running labelled container for the workflow.
func (s *Supervisor) Ensure(ctx context.Context, workflowID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	build, err := s.builds.LatestSuccessfulBuild(workflowID)
	if err != nil {
		return "", err
	}

	existing, err := s.listLabelled(ctx, workflowID)
	if err != nil {
		return "", types.WrapError(types.ErrRuntimeUnavailable, err, "failed to list runtime containers")
	}

	// Reuse a running container on the desired image with the runtime
	// port published.
	for _, c := range existing {
		if c.State != "running" || c.Image != build.ImageRef {
			continue
		}
		if port := publishedPort(c); port != 0 {
			rec := &types.RuntimeContainer{
				WorkflowID:  workflowID,
				ContainerID: c.ID,
				Name:        containerName(c),
				Image:       c.Image,
				HostPort:    port,
				Healthy:     true,
				LastSeen:    time.Now(),
			}
			s.containers[workflowID] = rec
			return rec.URL(), nil
		}
	}

	// Anything labelled but unusable is stale; clear it before starting
	// a replacement so the single-container invariant holds.
	for _, c := range existing {
		s.removeContainer(ctx, c.ID, c.State == "running")
	}

	rec, err := s.startContainer(ctx, workflowID, build.ImageRef)
	if err != nil {
		return "", err
	}
	s.containers[workflowID] = rec
	return rec.URL(), nil
}

// Restart stops every labelled container for the workflow and brings a
// fresh one up.
func (s *Supervisor) Restart(ctx context.Context, workflowID string) (string, error) {
	s.mu.Lock()
	existing, err := s.listLabelled(ctx, workflowID)
	if err != nil {
		s.mu.Unlock()
		return "", types.WrapError(types.ErrRuntimeUnavailable, err, "failed to list runtime containers")
	}
	for _, c := range existing {
		s.removeContainer(ctx, c.ID, c.State == "running")
	}
	delete(s.containers, workflowID)
	s.mu.Unlock()

	return s.Ensure(ctx, workflowID)
}

// Logs returns the tail of the first labelled container's log stream.
func (s *Supervisor) Logs(ctx context.Context, workflowID string, tailLines int) (string, error) {
	existing, err := s.listLabelled(ctx, workflowID)
	if err != nil {
		return "", types.WrapError(types.ErrRuntimeUnavailable, err, "failed to list runtime containers")
	}
	if len(existing) == 0 {
		return "", types.NewError(types.ErrNotFound, "no runtime container for workflow %s", workflowID)
	}
	return s.logTail(ctx, existing[0].ID, tailLines)
}

// Running returns the supervisor's record for a workflow, if any.
func (s *Supervisor) Running(workflowID string) (*types.RuntimeContainer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.containers[workflowID]
	return rec, ok
}

// Shutdown stops all containers this supervisor started.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for workflowID, rec := range s.containers {
		s.removeContainer(ctx, rec.ContainerID, true)
		delete(s.containers, workflowID)
	}
}

// startContainer runs a fresh runtime container, binds the runtime port
// to a random localhost port, and waits for the HTTP endpoint to answer.
func (s *Supervisor) startContainer(ctx context.Context, workflowID, imageRef string) (*types.RuntimeContainer, error) {
	name := fmt.Sprintf("renderq-%s-%d", shortID(workflowID), time.Now().Unix())

	cfg := &container.Config{
		Image:        imageRef,
		Labels:       map[string]string{WorkflowLabel: workflowID},
		ExposedPorts: nat.PortSet{nat.Port(runtimePort): struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			// Empty HostPort asks the daemon for a random free port,
			// bound to loopback only.
			nat.Port(runtimePort): []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}
	if s.gpuRuntime {
		hostCfg.DeviceRequests = []container.DeviceRequest{
			{Driver: "nvidia", Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	created, err := s.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, types.WrapError(types.ErrRuntimeUnavailable, err, "failed to create runtime container")
	}
	if err := s.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		s.removeContainer(ctx, created.ID, false)
		return nil, types.WrapError(types.ErrRuntimeUnavailable, err, "failed to start runtime container")
	}

	port, err := s.mappedPort(ctx, created.ID)
	if err != nil {
		s.removeContainer(ctx, created.ID, true)
		return nil, err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := s.waitReady(ctx, created.ID, url); err != nil {
		s.removeContainer(ctx, created.ID, true)
		return nil, err
	}

	s.logger.Info().
		Str("workflow_id", workflowID).
		Str("container_id", created.ID[:min(12, len(created.ID))]).
		Int("host_port", port).
		Msg("runtime container ready")

	return &types.RuntimeContainer{
		WorkflowID:  workflowID,
		ContainerID: created.ID,
		Name:        name,
		Image:       imageRef,
		HostPort:    port,
		Healthy:     true,
		LastSeen:    time.Now(),
	}, nil
}

// waitReady polls the runtime HTTP endpoint until it answers with a
// status below 500. A container that exits during startup fails with
// its recent log tail attached.
func (s *Supervisor) waitReady(ctx context.Context, containerID, url string) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(readyInterval), uint64(readyTimeout/readyInterval)),
		ctx,
	)

	err := backoff.Retry(func() error {
		inspect, ierr := s.docker.ContainerInspect(ctx, containerID)
		if ierr == nil && inspect.State != nil && !inspect.State.Running {
			tail, _ := s.logTail(ctx, containerID, logTailLines)
			return backoff.Permanent(&types.Error{
				Kind:    types.ErrRuntimeUnavailable,
				Message: "runtime container exited during startup",
				Hint:    tail,
			})
		}
		return s.probe(url)
	}, policy)

	if err != nil {
		if se, ok := err.(*types.Error); ok {
			return se
		}
		tail, _ := s.logTail(ctx, containerID, logTailLines)
		return &types.Error{
			Kind:    types.ErrRuntimeUnavailable,
			Message: fmt.Sprintf("runtime container not ready after %s", readyTimeout),
			Hint:    tail,
			Cause:   err,
		}
	}
	return nil
}

func defaultProbe(url string) error {
	httpc := &http.Client{Timeout: 2 * time.Second}
	resp, err := httpc.Get(url + "/")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("runtime returned %d", resp.StatusCode)
	}
	return nil
}

// mappedPort reads the host port the daemon bound for the runtime port.
func (s *Supervisor) mappedPort(ctx context.Context, containerID string) (int, error) {
	inspect, err := s.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, types.WrapError(types.ErrRuntimeUnavailable, err, "failed to inspect runtime container")
	}
	if inspect.NetworkSettings == nil {
		return 0, types.NewError(types.ErrRuntimeUnavailable, "runtime container has no network settings")
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(runtimePort)]
	if len(bindings) == 0 {
		return 0, types.NewError(types.ErrRuntimeUnavailable, "runtime port not published")
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, types.WrapError(types.ErrRuntimeUnavailable, err, "unparseable host port %q", bindings[0].HostPort)
	}
	return port, nil
}

// removeContainer stops (when running) and removes a container. Removal
// failures are logged, never swallowed silently.
func (s *Supervisor) removeContainer(ctx context.Context, containerID string, running bool) {
	if running {
		timeout := stopGrace
		if err := s.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
			s.logger.Warn().Str("container_id", containerID).Err(err).Msg("failed to stop container")
		}
	}
	if err := s.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		s.logger.Warn().Str("container_id", containerID).Err(err).Msg("failed to remove container")
	}
}

func (s *Supervisor) listLabelled(ctx context.Context, workflowID string) ([]container.Summary, error) {
	return s.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", WorkflowLabel+"="+workflowID)),
	})
}

// logTail fetches the last n lines of a container's output, demuxing
// the daemon's multiplexed stream.
func (s *Supervisor) logTail(ctx context.Context, containerID string, n int) (string, error) {
	if n <= 0 {
		n = logTailLines
	}
	rc, err := s.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(n),
	})
	if err != nil {
		return "", types.WrapError(types.ErrRuntimeUnavailable, err, "failed to fetch container logs")
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("failed to read log stream: %w", err)
	}
	return buf.String(), nil
}

func publishedPort(c container.Summary) int {
	for _, p := range c.Ports {
		if strconv.Itoa(int(p.PrivatePort))+"/"+p.Type == runtimePort && p.PublicPort != 0 {
			return int(p.PublicPort)
		}
	}
	return 0
}

func containerName(c container.Summary) string {
	if len(c.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
