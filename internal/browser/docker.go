package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

// DockerOptions configures driver containers
type DockerOptions struct {
	Image string
	// Port is the container port the driver listens on
	Port         string
	ReadyTimeout time.Duration
	Env          []string
}

// DockerProvisioner runs each driver session in its own container
type DockerProvisioner struct {
	client     *client.Client
	opts       DockerOptions
	httpClient *http.Client
	log        *zap.Logger
}

// NewDockerProvisioner connects to the Docker daemon from the environment
func NewDockerProvisioner(opts DockerOptions, log *zap.Logger) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if opts.Port == "" {
		opts.Port = "8787"
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &DockerProvisioner{
		client:     cli,
		opts:       opts,
		httpClient: &http.Client{},
		log:        log,
	}, nil
}

// Provision starts a driver container and waits for its health endpoint
func (p *DockerProvisioner) Provision(ctx context.Context, id string) (Instance, error) {
	containerPort := nat.Port(p.opts.Port + "/tcp")

	containerConfig := &container.Config{
		Image: p.opts.Image,
		Labels: map[string]string{
			"instance-id": id,
			"managed-by":  "browserbase-orchestrator",
		},
		Env: p.opts.Env,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
	}

	name := id
	if len(name) > 8 {
		name = name[:8]
	}
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "driver-"+name)
	if err != nil {
		return Instance{}, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.removeQuietly(resp.ID)
		return Instance{}, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.removeQuietly(resp.ID)
		return Instance{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[containerPort]
	if len(bindings) == 0 {
		p.removeQuietly(resp.ID)
		return Instance{}, fmt.Errorf("container %s has no host binding for %s", resp.ID[:12], containerPort)
	}
	endpoint := fmt.Sprintf("http://localhost:%s", bindings[0].HostPort)
	driver := NewHTTPDriver(endpoint, p.httpClient)

	readyCtx, cancel := context.WithTimeout(ctx, p.opts.ReadyTimeout)
	defer cancel()
	if err := waitForDriverReady(readyCtx, driver, 500*time.Millisecond); err != nil {
		p.removeQuietly(resp.ID)
		return Instance{}, err
	}

	p.log.Debug("driver container ready",
		zap.String("instance", id),
		zap.String("container", resp.ID[:12]),
		zap.String("endpoint", endpoint))

	return Instance{
		BrowserInstance: models.BrowserInstance{
			ID:          id,
			Status:      models.InstanceAvailable,
			Endpoint:    endpoint,
			ContainerID: resp.ID,
			CreatedAt:   time.Now(),
		},
		Driver: driver,
	}, nil
}

// Destroy stops and removes the instance's container
func (p *DockerProvisioner) Destroy(ctx context.Context, inst Instance) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, inst.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, inst.ContainerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the driver image when it is not present locally
func (p *DockerProvisioner) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.opts.Image {
				return nil
			}
		}
	}

	reader, err := p.client.ImagePull(ctx, p.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the Docker client
func (p *DockerProvisioner) Close() error {
	return p.client.Close()
}

func (p *DockerProvisioner) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		p.log.Warn("failed to remove container", zap.String("container", containerID), zap.Error(err))
	}
}
