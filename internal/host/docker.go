package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sessionvault/sessionvault/internal/logging"
	"github.com/sessionvault/sessionvault/pkg/models"
)

const (
	managedByLabel = "managed-by"
	managedByValue = "sessionvault"
	cdpPort        = "3000/tcp"
)

// Docker runs each execution context as a headless Chrome container. The
// container id is the context id, which matches the host contract: ids are
// not stable across restarts of the Docker daemon either.
type Docker struct {
	client *client.Client
	image  string
	log    *logging.Logger
}

// NewDocker connects to the local Docker daemon.
func NewDocker(img string, log *logging.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{client: cli, image: img, log: log}, nil
}

// EnsureImage pulls the Chrome image if it is not present locally.
func (d *Docker) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.image {
				return nil
			}
		}
	}

	reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", d.image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) ListLiveContexts(ctx context.Context) ([]models.LiveContext, error) {
	args := filters.NewArgs()
	args.Add("label", managedByLabel+"="+managedByValue)

	containers, err := d.client.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrHostQuery, err)
	}

	out := make([]models.LiveContext, 0, len(containers))
	for _, c := range containers {
		port, err := d.hostPort(ctx, c.ID)
		if err != nil {
			d.log.Warn("skipping context without mapped port", zap.String("context", c.ID), zap.Error(err))
			continue
		}
		target, err := currentTarget(ctx, port)
		if err != nil {
			// A context that is up but not yet answering CDP still counts as
			// live; its target just is not known yet.
			target = ""
		}
		out = append(out, models.LiveContext{ID: c.ID, NavigationTarget: target})
	}
	return out, nil
}

func (d *Docker) OpenContext(ctx context.Context, target string) (models.LiveContext, error) {
	cfg := &container.Config{
		Image:  d.image,
		Labels: map[string]string{managedByLabel: managedByValue},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
		},
		ExposedPorts: nat.PortSet{cdpPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			cdpPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return models.LiveContext{}, fmt.Errorf("create context container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return models.LiveContext{}, fmt.Errorf("start context container: %w", err)
	}

	port, err := d.hostPort(ctx, resp.ID)
	if err != nil {
		return models.LiveContext{}, err
	}
	if err := waitForCDP(ctx, port); err != nil {
		return models.LiveContext{}, fmt.Errorf("context did not become ready: %w", err)
	}

	if target != "" {
		if err := navigate(ctx, port, target); err != nil {
			d.log.Warn("context opened but navigation failed",
				zap.String("context", resp.ID), zap.String("target", target), zap.Error(err))
		}
	}

	return models.LiveContext{ID: resp.ID, NavigationTarget: target}, nil
}

func (d *Docker) CloseContext(ctx context.Context, contextID string) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, contextID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop context: %w", err)
	}
	if err := d.client.ContainerRemove(ctx, contextID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("remove context: %w", err)
	}
	return nil
}

func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) hostPort(ctx context.Context, containerID string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspect context: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[cdpPort]
	if len(bindings) == 0 {
		return "", fmt.Errorf("context %s has no published CDP port", containerID)
	}
	return bindings[0].HostPort, nil
}

// cdpTarget is one entry of Chrome's /json/list answer.
type cdpTarget struct {
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func listTargets(ctx context.Context, port string) ([]cdpTarget, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://localhost:%s/json/list", port), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp list returned %d", resp.StatusCode)
	}

	var targets []cdpTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// currentTarget returns the URL of the first page target.
func currentTarget(ctx context.Context, port string) (string, error) {
	targets, err := listTargets(ctx, port)
	if err != nil {
		return "", err
	}
	for _, t := range targets {
		if t.Type == "page" {
			return t.URL, nil
		}
	}
	return "", nil
}

func waitForCDP(ctx context.Context, port string) error {
	const maxRetries = 20
	for i := 0; i < maxRetries; i++ {
		if _, err := listTargets(ctx, port); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("CDP endpoint not ready after %d attempts", maxRetries)
}

// navigate drives the page to target over the CDP websocket.
func navigate(ctx context.Context, port, target string) error {
	targets, err := listTargets(ctx, port)
	if err != nil {
		return err
	}

	var wsURL string
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			wsURL = t.WebSocketDebuggerURL
			break
		}
	}
	if wsURL == "" {
		return fmt.Errorf("no page target to navigate")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial CDP: %w", err)
	}
	defer conn.Close()

	msg := map[string]interface{}{
		"id":     1,
		"method": "Page.navigate",
		"params": map[string]string{"url": target},
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send navigate: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var reply map[string]interface{}
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read navigate reply: %w", err)
	}
	return nil
}
