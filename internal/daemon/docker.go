package daemon

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/models"
)

const (
	containerPrefix = "gameforge-"
	dataDir         = "/home/container"
	serverIDLabel   = "gameforge.server_id"
)

// dockerAPI is the subset of the Docker Engine client DockerClient needs.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerUpdate(ctx context.Context, containerID string, updateConfig container.UpdateConfig) (container.UpdateResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	Close() error
}

// DockerClient drives a host's Docker Engine directly. Containers are named
// gameforge-<serverID> and that name is the id handed back to callers, so it
// survives the recreate done by UpdateEnvironment.
type DockerClient struct {
	docker      dockerAPI
	stopTimeout time.Duration
	logger      *zap.Logger
}

// NewDockerClient connects to the Docker Engine at dockerHost
// (unix:///var/run/docker.sock, tcp://10.0.0.5:2375, ...).
func NewDockerClient(ctx context.Context, dockerHost string, stopTimeout time.Duration, logger *zap.Logger) (*DockerClient, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(dockerHost),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, errdefs.DaemonCallFailed(err, "create docker client for %s", dockerHost)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, errdefs.DaemonCallFailed(err, "connect to docker daemon at %s", dockerHost)
	}
	return newDockerClient(cli, stopTimeout, logger), nil
}

func newDockerClient(api dockerAPI, stopTimeout time.Duration, logger *zap.Logger) *DockerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	return &DockerClient{docker: api, stopTimeout: stopTimeout, logger: logger}
}

func containerName(serverID string) string {
	return containerPrefix + serverID
}

func volumeName(containerID string) string {
	return containerID + "-data"
}

func failed(err error, format string, args ...interface{}) error {
	return errdefs.DaemonCallFailed(err, format, args...)
}

// ensureImage pulls ref unless it is already present.
func (d *DockerClient) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.docker.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	reader, err := d.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return failed(err, "pull image %s", ref)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return failed(err, "pull image %s", ref)
	}
	return nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func envMap(list []string) map[string]string {
	out := make(map[string]string, len(list))
	for _, kv := range list {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

func resources(limits models.Resources) container.Resources {
	mem := int64(limits.Memory) * 1024 * 1024
	return container.Resources{
		NanoCPUs:   int64(limits.CPU) * 1_000_000,
		Memory:     mem,
		MemorySwap: mem,
	}
}

// specToDockerConfig converts a ContainerSpec to Docker API configs. Every
// allocated port is published on the allocated IP under the same number.
func specToDockerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig, error) {
	exposed := make(nat.PortSet)
	bindings := make(nat.PortMap)
	for _, p := range spec.Ports {
		proto := strings.ToLower(string(p.Protocol))
		if proto == "" {
			proto = "tcp"
		}
		natPort, err := nat.NewPort(proto, strconv.Itoa(p.Port))
		if err != nil {
			return nil, nil, errdefs.InvalidArgument("invalid port %d/%s", p.Port, proto)
		}
		exposed[natPort] = struct{}{}
		bindings[natPort] = []nat.PortBinding{{HostIP: spec.IP, HostPort: strconv.Itoa(p.Port)}}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Environment),
		WorkingDir:   dataDir,
		ExposedPorts: exposed,
		Labels:       map[string]string{serverIDLabel: spec.ServerID},
	}
	if spec.StartupCommand != "" {
		cfg.Cmd = []string{"/bin/sh", "-c", spec.StartupCommand}
	}

	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources:     resources(spec.Limits),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName(containerName(spec.ServerID)),
			Target: dataDir,
		}},
	}
	return cfg, hostCfg, nil
}

// CreateContainer implements Client.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg, hostCfg, err := specToDockerConfig(spec)
	if err != nil {
		return "", err
	}
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}
	name := containerName(spec.ServerID)
	resp, err := d.docker.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return "", failed(err, "create container %s", name)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("docker create warning", zap.String("container", name), zap.String("warning", w))
	}
	d.logger.Info("container created", zap.String("container", name), zap.String("docker_id", resp.ID))
	return name, nil
}

// RunInstallScript runs the script in a one-shot container that shares the
// server's data volume, then removes it. A non-zero exit code fails the call.
func (d *DockerClient) RunInstallScript(ctx context.Context, containerID string, script InstallScript) error {
	info, err := d.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return failed(err, "inspect container %s", containerID)
	}
	img := script.Image
	if img == "" {
		img = info.Config.Image
	}
	if err := d.ensureImage(ctx, img); err != nil {
		return err
	}

	name := containerID + "-install"
	cfg := &container.Config{
		Image:      img,
		Env:        info.Config.Env,
		WorkingDir: dataDir,
		Cmd:        []string{"/bin/sh", "-c", script.Script},
		Labels:     info.Config.Labels,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{Type: mount.TypeVolume, Source: volumeName(containerID), Target: dataDir}},
	}
	resp, err := d.docker.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return failed(err, "create install container for %s", containerID)
	}
	defer func() {
		rmCtx := context.WithoutCancel(ctx)
		if err := d.docker.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Warn("failed to remove install container", zap.String("container", name), zap.Error(err))
		}
	}()

	waitCh, errCh := d.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	if err := d.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return failed(err, "start install container for %s", containerID)
	}
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return failed(nil, "install script for %s: %s", containerID, res.Error.Message)
		}
		if res.StatusCode != 0 {
			return failed(nil, "install script for %s exited with code %d", containerID, res.StatusCode)
		}
		return nil
	case err := <-errCh:
		return failed(err, "wait for install container of %s", containerID)
	case <-ctx.Done():
		return failed(ctx.Err(), "install script for %s", containerID)
	}
}

// StartServer implements Client.
func (d *DockerClient) StartServer(ctx context.Context, containerID string) error {
	if err := d.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return failed(err, "start container %s", containerID)
	}
	return nil
}

// StopServer implements Client. A forced stop sends SIGKILL.
func (d *DockerClient) StopServer(ctx context.Context, containerID string, graceful bool) error {
	if !graceful {
		if err := d.docker.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
			return failed(err, "kill container %s", containerID)
		}
		return nil
	}
	timeout := int(d.stopTimeout / time.Second)
	if err := d.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return failed(err, "stop container %s", containerID)
	}
	return nil
}

// DeleteContainer removes the container and its data volume. A container
// that is already gone is not an error.
func (d *DockerClient) DeleteContainer(ctx context.Context, containerID string) error {
	err := d.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return failed(err, "remove container %s", containerID)
	}
	if err := d.docker.VolumeRemove(ctx, volumeName(containerID), true); err != nil && !dockerclient.IsErrNotFound(err) {
		return failed(err, "remove volume of %s", containerID)
	}
	return nil
}

// UpdateContainer implements Client.
func (d *DockerClient) UpdateContainer(ctx context.Context, containerID string, limits models.Resources) error {
	resp, err := d.docker.ContainerUpdate(ctx, containerID, container.UpdateConfig{Resources: resources(limits)})
	if err != nil {
		return failed(err, "update container %s", containerID)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("docker update warning", zap.String("container", containerID), zap.String("warning", w))
	}
	return nil
}

// UpdateEnvironment recreates the container with env merged over its
// current environment. Docker cannot change the environment of an existing
// container. The data volume is kept and a running container is restarted.
func (d *DockerClient) UpdateEnvironment(ctx context.Context, containerID string, env map[string]string) error {
	info, err := d.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return failed(err, "inspect container %s", containerID)
	}
	wasRunning := info.State != nil && info.State.Running

	merged := envMap(info.Config.Env)
	for k, v := range env {
		merged[k] = v
	}
	cfg := *info.Config
	cfg.Env = envList(merged)

	if wasRunning {
		if err := d.StopServer(ctx, containerID, true); err != nil {
			return err
		}
	}
	if err := d.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return failed(err, "remove container %s", containerID)
	}
	if _, err := d.docker.ContainerCreate(ctx, &cfg, info.HostConfig, &network.NetworkingConfig{}, nil, containerID); err != nil {
		return failed(err, "recreate container %s", containerID)
	}
	if wasRunning {
		return d.StartServer(ctx, containerID)
	}
	return nil
}

// CheckHealth maps the container state to a Health. Containers without a
// HEALTHCHECK are healthy as soon as they run.
func (d *DockerClient) CheckHealth(ctx context.Context, containerID string) (Health, error) {
	info, err := d.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return Health{}, failed(err, "inspect container %s", containerID)
	}
	if info.State == nil || !info.State.Running {
		return Health{Status: HealthStopped}, nil
	}
	if info.State.Health == nil {
		return Health{Status: HealthHealthy}, nil
	}
	switch info.State.Health.Status {
	case container.Healthy:
		return Health{Status: HealthHealthy}, nil
	case container.Starting:
		return Health{Status: HealthStarting}, nil
	default:
		return Health{Status: HealthUnhealthy}, nil
	}
}

// Close closes the Docker connection.
func (d *DockerClient) Close() error {
	if err := d.docker.Close(); err != nil {
		return errors.Wrap(err, "close docker client")
	}
	return nil
}
