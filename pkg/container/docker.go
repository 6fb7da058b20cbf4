package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	containerapi "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
)

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	client *client.Client
	config Config
	logger *logging.Logger
}

// detectDockerSocket finds an available Docker socket from common locations.
func detectDockerSocket() string {
	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		return dockerHost
	}

	socketPaths := []string{
		"/var/run/docker.sock",
		filepath.Join(os.Getenv("HOME"), ".docker/run/docker.sock"),
		"/run/user/" + fmt.Sprint(os.Getuid()) + "/docker.sock",
		filepath.Join(os.Getenv("HOME"), ".colima/docker.sock"),
		"/var/run/podman/podman.sock",
	}

	for _, socketPath := range socketPaths {
		if socketPath == "" {
			continue
		}
		if info, err := os.Stat(socketPath); err == nil {
			if info.Mode()&os.ModeSocket != 0 {
				return "unix://" + socketPath
			}
		}
	}
	return ""
}

// NewDockerRuntime creates a Docker-backed runtime and verifies the
// daemon connection.
func NewDockerRuntime(config Config) (*DockerRuntime, error) {
	var clientOpts []client.Opt

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = detectDockerSocket()
	}
	if endpoint != "" {
		clientOpts = append(clientOpts, client.WithHost(endpoint))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot connect to Docker daemon: %w", err)
	}
	cli.NegotiateAPIVersion(context.Background())

	logger := logging.GetLogger().WithComponent("docker")

	created, err := ensureNetwork(ctx, cli, config.Network)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("created network %s", config.Network)
	}

	return &DockerRuntime{
		client: cli,
		config: config,
		logger: logger,
	}, nil
}

// networkAPI is the slice of the Docker client used for network
// bootstrap.
type networkAPI interface {
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
}

// ensureNetwork creates the agent bridge network when it does not
// exist, so spawns work on a fresh daemon. Returns whether it created
// the network.
func ensureNetwork(ctx context.Context, api networkAPI, name string) (bool, error) {
	if name == "" {
		return false, nil
	}

	_, err := api.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return false, nil
	}
	if !client.IsErrNotFound(err) {
		return false, fmt.Errorf("failed to inspect network %s: %w", name, err)
	}

	if _, err := api.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManaged: "true"},
	}); err != nil {
		return false, fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return true, nil
}

// CreateAgent creates and starts a container for the agent.
func (r *DockerRuntime) CreateAgent(ctx context.Context, spec *Spec) (string, error) {
	imageName := spec.Image
	if !strings.Contains(imageName, ":") {
		imageName = imageName + ":latest"
	}

	if err := r.ensureImage(ctx, imageName); err != nil {
		return "", err
	}

	containerConfig := &containerapi.Config{
		Image:  imageName,
		Env:    buildEnvList(standardEnv(r.config, spec)),
		Labels: standardLabels(spec),
	}

	restartPolicy := containerapi.RestartPolicy{Name: "no"}
	if spec.Config.AutoRestart {
		restartPolicy = containerapi.RestartPolicy{Name: "unless-stopped"}
	}

	hostConfig := &containerapi.HostConfig{
		RestartPolicy: restartPolicy,
		Resources: containerapi.Resources{
			NanoCPUs: int64(spec.Config.CPULimit * 1e9),
			Memory:   int64(spec.Config.MemoryLimitMB) * 1024 * 1024,
		},
	}

	var networkConfig *network.NetworkingConfig
	if r.config.Network != "" {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				r.config.Network: {},
			},
		}
	}

	resp, err := r.client.ContainerCreate(
		ctx,
		containerConfig,
		hostConfig,
		networkConfig,
		nil, // Platform
		ContainerName(spec.Config.AgentID),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, containerapi.StartOptions{}); err != nil {
		// Remove the half-created container so a retry can reuse the name
		r.client.ContainerRemove(ctx, resp.ID, containerapi.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	r.logger.Info("started container %s for agent %s", resp.ID[:12], spec.Config.AgentID)
	return resp.ID, nil
}

// ensureImage pulls the image if it is not present locally.
func (r *DockerRuntime) ensureImage(ctx context.Context, imageName string) error {
	images, err := r.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == imageName {
				return nil
			}
		}
	}

	r.logger.Info("pulling image %s", imageName)
	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", imageName, err)
	}
	return nil
}

// StopAgent stops an agent's container within timeout.
func (r *DockerRuntime) StopAgent(ctx context.Context, agentID string, timeout time.Duration) error {
	containerID, err := r.findContainer(ctx, agentID)
	if err != nil {
		return err
	}

	seconds := int(timeout.Seconds())
	if err := r.client.ContainerStop(ctx, containerID, containerapi.StopOptions{
		Timeout: &seconds,
	}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// RemoveAgent removes an agent's container.
func (r *DockerRuntime) RemoveAgent(ctx context.Context, agentID string, force bool) error {
	containerID, err := r.findContainer(ctx, agentID)
	if err != nil {
		return err
	}

	if err := r.client.ContainerRemove(ctx, containerID, containerapi.RemoveOptions{
		Force: force,
	}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// GetInstance returns the observed container state for an agent.
func (r *DockerRuntime) GetInstance(ctx context.Context, agentID string) (*Instance, error) {
	containerID, err := r.findContainer(ctx, agentID)
	if err != nil {
		return nil, err
	}

	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	inst := &Instance{
		AgentID:     agentID,
		ContainerID: containerID,
		Name:        strings.TrimPrefix(inspect.Name, "/"),
		Image:       inspect.Config.Image,
		State:       inspect.State.Status,
		Running:     inspect.State.Running,
		ExitCode:    inspect.State.ExitCode,
		Labels:      inspect.Config.Labels,
	}

	if inspect.State.StartedAt != "" {
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			inst.StartedAt = &startedAt
		}
	}

	return inst, nil
}

// ListInstances returns all containers carrying the managed label.
func (r *DockerRuntime) ListInstances(ctx context.Context) ([]*Instance, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelManaged+"=true")

	containers, err := r.client.ContainerList(ctx, containerapi.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var instances []*Instance
	for _, c := range containers {
		agentID, ok := c.Labels[LabelAgentID]
		if !ok {
			continue
		}
		instances = append(instances, &Instance{
			AgentID:     agentID,
			ContainerID: c.ID,
			Name:        strings.Join(c.Names, ","),
			Image:       c.Image,
			State:       c.State,
			Running:     c.State == "running",
			Labels:      c.Labels,
		})
	}
	return instances, nil
}

// GetStats samples CPU, memory, and network usage from a running container.
func (r *DockerRuntime) GetStats(ctx context.Context, agentID string) (*Stats, error) {
	containerID, err := r.findContainer(ctx, agentID)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.ContainerStats(ctx, containerID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats containerapi.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode container stats: %w", err)
	}

	out := &Stats{
		MemoryMB: int(stats.MemoryStats.Usage / 1024 / 1024),
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	if systemDelta > 0 && cpuDelta > 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		out.CPUPercent = (cpuDelta / systemDelta) * cpus * 100.0
	}

	for _, nw := range stats.Networks {
		out.NetworkInBytes += int64(nw.RxBytes)
		out.NetworkOutBytes += int64(nw.TxBytes)
	}

	return out, nil
}

// StreamLogs follows the container's demultiplexed log output.
func (r *DockerRuntime) StreamLogs(ctx context.Context, agentID string) (io.ReadCloser, error) {
	containerID, err := r.findContainer(ctx, agentID)
	if err != nil {
		return nil, err
	}

	reader, err := r.client.ContainerLogs(ctx, containerID, containerapi.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		if _, err := stdcopy.StdCopy(pw, pw, reader); err != nil {
			pw.CloseWithError(err)
		}
	}()
	return pr, nil
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

// findContainer resolves an agent ID to its container ID.
func (r *DockerRuntime) findContainer(ctx context.Context, agentID string) (string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", fmt.Sprintf("%s=%s", LabelAgentID, agentID))

	containers, err := r.client.ContainerList(ctx, containerapi.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}

	if len(containers) == 0 {
		return "", fmt.Errorf("container for agent %s: %w", agentID, errors.ErrAgentNotFound)
	}
	return containers[0].ID, nil
}

// buildEnvList flattens the environment map into KEY=VALUE pairs with a
// stable order.
func buildEnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}
