package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kohakuriver/kohakuriver/pkg/log"
	"github.com/kohakuriver/kohakuriver/pkg/tunnel"
	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/rs/zerolog"
)

// requestTimeout bounds every control-plane HTTP call this package makes;
// long-lived data stays on the WebSocket connections instead.
const requestTimeout = 10 * time.Second

// RunnerClient is the Host's view of one Runner: it implements
// scheduler.Dispatcher over the Runner HTTP API and builds StreamDialers
// for the forward endpoint. One instance is shared across all Runners —
// the target node is an explicit parameter on every call, matching the
// Dispatcher interface.
type RunnerClient struct {
	httpClient *http.Client
	// TunnelClientHostPath is the path to the tunnel-client binary on every
	// Runner's local filesystem, bind-mounted into each container it
	// starts. All Runners in a cluster are expected to stage it at the
	// same path.
	TunnelClientHostPath string
	logger                zerolog.Logger
}

// NewRunnerClient builds a RunnerClient.
func NewRunnerClient(tunnelClientHostPath string) *RunnerClient {
	return &RunnerClient{
		httpClient:            &http.Client{Timeout: requestTimeout},
		TunnelClientHostPath:  tunnelClientHostPath,
		logger:                log.WithComponent("runner-client"),
	}
}

func runnerBaseURL(node *types.Node) string {
	return fmt.Sprintf("http://%s:%d", node.Address, node.Port)
}

func (c *RunnerClient) postJSON(ctx context.Context, url string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error == "" {
			errBody.Error = resp.Status
		}
		return fmt.Errorf("api: %s: %s", url, errBody.Error)
	}
	return nil
}

// Dispatch implements scheduler.Dispatcher.
func (c *RunnerClient) Dispatch(ctx context.Context, node *types.Node, task *types.Task) error {
	path := "/tasks"
	if task.Type == types.TaskTypeVPS {
		path = "/vps/create/" + strconv.FormatInt(task.ID, 10)
	}
	body := TaskDispatch{Task: task, TunnelClientHostPath: c.TunnelClientHostPath}
	return c.postJSON(ctx, runnerBaseURL(node)+path, body)
}

// Kill implements scheduler.Dispatcher.
func (c *RunnerClient) Kill(ctx context.Context, node *types.Node, task *types.Task) error {
	url := fmt.Sprintf("%s/vps/stop/%d", runnerBaseURL(node), task.ID)
	return c.postJSON(ctx, url, nil)
}

// Pause implements scheduler.Dispatcher.
func (c *RunnerClient) Pause(ctx context.Context, node *types.Node, task *types.Task) error {
	url := fmt.Sprintf("%s/vps/pause/%d", runnerBaseURL(node), task.ID)
	return c.postJSON(ctx, url, nil)
}

// Resume implements scheduler.Dispatcher.
func (c *RunnerClient) Resume(ctx context.Context, node *types.Node, task *types.Task) error {
	url := fmt.Sprintf("%s/vps/resume/%d", runnerBaseURL(node), task.ID)
	return c.postJSON(ctx, url, nil)
}

// StreamDialerFor builds a tunnel.StreamDialer that reaches containerID on
// node by WS-dialing the Runner's forward endpoint. The Host's forward
// handler uses one of these per request.
func (c *RunnerClient) StreamDialerFor(node *types.Node, containerID string) tunnel.StreamDialer {
	return func(ctx context.Context, proto tunnel.Proto, port uint16) (io.ReadWriteCloser, error) {
		url := fmt.Sprintf("ws://%s:%d/forward/%s/%d", node.Address, node.Port, containerID, port)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("api: dial forward %s: %w (status %s)", url, err, resp.Status)
			}
			return nil, fmt.Errorf("api: dial forward %s: %w", url, err)
		}
		return newWSReadWriteCloser(conn), nil
	}
}

// HostClient is the Runner's view of the Host: it implements
// runner.StatusReporter by posting to the Host's status-report endpoint.
type HostClient struct {
	httpClient *http.Client
	baseURL    string
	hostname   string
}

// NewHostClient builds a HostClient addressing the Host at baseURL (e.g.
// "http://host.internal:8080"). hostname is this Runner's own registered
// hostname, stamped onto every status update so the Host can enforce that
// the reporting Runner matches the task's assigned node (§4.F.4).
func NewHostClient(baseURL, hostname string) *HostClient {
	return &HostClient{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		hostname:   hostname,
	}
}

// Register announces this Runner to the Host, returning the heartbeat
// config the Host assigns.
func (c *HostClient) Register(ctx context.Context, info NodeInfo) (NodeConfig, error) {
	var cfg NodeConfig
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(info); err != nil {
		return cfg, fmt.Errorf("api: encode node info: %w", err)
	}
	url := c.baseURL + "/nodes/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return cfg, fmt.Errorf("api: build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cfg, fmt.Errorf("api: register with host: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return cfg, fmt.Errorf("api: register with host: %s", errBody.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("api: decode register response: %w", err)
	}
	return cfg, nil
}

// Heartbeat reports this Runner's current utilization to the Host.
func (c *HostClient) Heartbeat(ctx context.Context, hostname string, util types.NodeUtilization) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(Utilization{NodeUtilization: util}); err != nil {
		return fmt.Errorf("api: encode utilization: %w", err)
	}
	url := fmt.Sprintf("%s/nodes/%s/heartbeat", c.baseURL, hostname)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("api: build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: send heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("api: send heartbeat: %s", errBody.Error)
	}
	return nil
}

// ReportStatus implements runner.StatusReporter.
func (c *HostClient) ReportStatus(ctx context.Context, taskID int64, runnerHostname string, expectedCurrent, next types.TaskStatus, exitCode int, errMsg string) error {
	update := TaskStatusUpdate{RunnerHostname: runnerHostname, ExpectedCurrent: expectedCurrent, Next: next, ExitCode: exitCode, Error: errMsg}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(update); err != nil {
		return fmt.Errorf("api: encode status update: %w", err)
	}

	url := fmt.Sprintf("%s/tasks/%d/status", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("api: build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: report status for task %d: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("api: report status for task %d: %s", taskID, errBody.Error)
	}
	return nil
}
