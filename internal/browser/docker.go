package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	containerName   = "quotebroker-browser"
	devtoolsPort    = "9222/tcp"
	stopTimeoutSecs = 5

	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	shmSizeBytes     = 256 * 1024 * 1024  // Chrome crashes on the default 64MB /dev/shm

	createRetryAttempts = 10
	createRetryDelay    = 250 * time.Millisecond
)

var (
	devtoolsProbeAttempts = 40
	devtoolsProbeWaitMin  = 250 * time.Millisecond
	devtoolsProbeWaitMax  = time.Second
)

// DockerLauncher runs the browser in a throwaway container and attaches to it
// over the published DevTools port. The container is removed on release.
type DockerLauncher struct {
	cli      *client.Client
	image    string
	hostPort string
}

// NewDockerLauncher creates a launcher using the Docker daemon from the environment.
func NewDockerLauncher(image, hostPort string) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized", "image", image, "port", hostPort)
	return &DockerLauncher{cli: cli, image: image, hostPort: hostPort}, nil
}

// Launch starts the browser container, waits for DevTools and opens a tab.
func (l *DockerLauncher) Launch(ctx context.Context) (Browser, error) {
	containerID, err := l.startContainer(ctx)
	if err != nil {
		return nil, err
	}
	teardown := func(ctx context.Context) error {
		return l.stopContainer(ctx, containerID)
	}

	endpoint := "http://127.0.0.1:" + l.hostPort
	if err := waitForDevTools(ctx, endpoint); err != nil {
		_ = teardown(context.Background())
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), "ws://127.0.0.1:"+l.hostPort)
	b, err := start(ctx, allocCtx, allocCancel, teardown)
	if err != nil {
		return nil, err
	}
	slog.Info("Browser launched", "mode", "docker", "container_id", containerID)
	return b, nil
}

func (l *DockerLauncher) startContainer(ctx context.Context) (string, error) {
	config := &container.Config{
		Image:        l.image,
		ExposedPorts: nat.PortSet{devtoolsPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: l.hostPort}},
		},
		ShmSize: shmSizeBytes,
		Resources: container.Resources{
			Memory: memoryLimitBytes,
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = l.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create browser container: %w", createErr)
		}

		// A container left over from a crashed run still holds the name.
		slog.Warn("Browser container name conflict, recycling",
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := l.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if stopErr := l.stopContainer(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to remove stale browser container", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create browser container after retries: %w", createErr)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := l.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("Failed to remove browser container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start browser container %s: %w", resp.ID, err)
	}

	return resp.ID, nil
}

// stopContainer stops and removes the container. Already-gone containers are not an error.
func (l *DockerLauncher) stopContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := l.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Browser container already removed", "container_id", containerID)
			return nil
		}
		slog.Debug("Browser container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := l.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove browser container %s: %w", containerID, err)
	}

	slog.Info("Browser container removed", "container_id", containerID)
	return nil
}

// waitForDevTools polls the DevTools version endpoint until the browser answers.
func waitForDevTools(ctx context.Context, endpoint string) error {
	rc := retryablehttp.NewClient()
	rc.RetryMax = devtoolsProbeAttempts
	rc.RetryWaitMin = devtoolsProbeWaitMin
	rc.RetryWaitMax = devtoolsProbeWaitMax
	rc.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/json/version", nil)
	if err != nil {
		return fmt.Errorf("build devtools probe: %w", err)
	}

	resp, err := rc.Do(req)
	if err != nil {
		return fmt.Errorf("devtools not ready at %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("devtools probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}
