package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kira-run/kira/internal/serverapi"
)

// ServerError is raised when a server API call fails, mirroring client.py's
// ServerError (message/status_code/detail).
type ServerError struct {
	Message    string
	StatusCode int
	Detail     string
}

func (e *ServerError) Error() string { return e.Message }

// ServerClient is the Go port of worker/client.py's ServerClient: an HTTP
// client for every endpoint a worker needs, each method raising *ServerError
// on failure instead of a typed response.
type ServerClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewServerClient(baseURL, token string) *ServerClient {
	return &ServerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetToken updates the authorization token after login.
func (c *ServerClient) SetToken(token string) { c.token = token }

func (c *ServerClient) request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &ServerError{Message: fmt.Sprintf("encode request: %v", err)}
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return &ServerError{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ServerError{Message: fmt.Sprintf("Cannot connect to server: %v", err), Detail: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		detail := string(respBody)
		var apiErr serverapi.APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Detail != "" {
			detail = apiErr.Detail
		}
		return &ServerError{
			Message:    fmt.Sprintf("%s %s returned %d: %s", method, path, resp.StatusCode, detail),
			StatusCode: resp.StatusCode,
			Detail:     detail,
		}
	}
	if len(respBody) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &ServerError{Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// --- Auth ---

func (c *ServerClient) Login(ctx context.Context, username, password string) (serverapi.LoginResponse, error) {
	var out serverapi.LoginResponse
	err := c.request(ctx, http.MethodPost, "/api/auth/login", nil, serverapi.LoginRequest{Username: username, Password: password}, &out)
	return out, err
}

func (c *ServerClient) GetAuthConfig(ctx context.Context) (serverapi.AuthConfigResponse, error) {
	var out serverapi.AuthConfigResponse
	err := c.request(ctx, http.MethodGet, "/api/auth/config", nil, nil, &out)
	return out, err
}

// --- Worker lifecycle ---

func (c *ServerClient) RegisterWorker(ctx context.Context, hostname, version string, capabilities []string) (serverapi.RegisterWorkerResponse, error) {
	var out serverapi.RegisterWorkerResponse
	err := c.request(ctx, http.MethodPost, "/api/workers/register", nil, serverapi.RegisterWorkerRequest{
		Hostname: hostname, WorkerVersion: version, Capabilities: capabilities,
	}, &out)
	return out, err
}

func (c *ServerClient) Heartbeat(ctx context.Context, workerID string, runningTaskIDs []string, systemLoad float64) (serverapi.HeartbeatResponse, error) {
	var out serverapi.HeartbeatResponse
	err := c.request(ctx, http.MethodPost, "/api/workers/heartbeat", nil, serverapi.HeartbeatRequest{
		WorkerID: workerID, RunningTaskIDs: runningTaskIDs, SystemLoad: systemLoad,
	}, &out)
	return out, err
}

// --- Task operations ---

func (c *ServerClient) PollTasks(ctx context.Context, workerID string, limit int) ([]serverapi.TaskDTO, error) {
	var out serverapi.PollTasksResponse
	q := url.Values{"worker_id": {workerID}, "limit": {strconv.Itoa(limit)}}
	err := c.request(ctx, http.MethodGet, "/api/workers/tasks/poll", q, nil, &out)
	return out.Tasks, err
}

func (c *ServerClient) ClaimTask(ctx context.Context, taskID, workerID string) (serverapi.ClaimTaskResponse, error) {
	var out serverapi.ClaimTaskResponse
	err := c.request(ctx, http.MethodPost, "/api/workers/tasks/"+taskID+"/claim", nil, serverapi.ClaimTaskRequest{WorkerID: workerID}, &out)
	return out, err
}

// ReportProgressOpts mirrors report_progress's optional step/total_steps/phase.
type ReportProgressOpts struct {
	Step       int
	TotalSteps int
	Phase      string
}

func (c *ServerClient) ReportProgress(ctx context.Context, taskID, workerID, progressText string, opts ReportProgressOpts) error {
	return c.request(ctx, http.MethodPost, "/api/workers/tasks/"+taskID+"/progress", nil, serverapi.ReportProgressRequest{
		WorkerID: workerID, Status: "running", ProgressText: progressText,
		Step: opts.Step, TotalSteps: opts.TotalSteps, Phase: opts.Phase,
	}, nil)
}

func (c *ServerClient) CompleteTask(ctx context.Context, taskID, workerID, outputText string, resultData map[string]any) error {
	return c.request(ctx, http.MethodPost, "/api/workers/tasks/"+taskID+"/complete", nil, serverapi.CompleteTaskRequest{
		WorkerID: workerID, OutputText: outputText, ResultData: resultData,
	}, nil)
}

func (c *ServerClient) FailTask(ctx context.Context, taskID, workerID, errorSummary, outputText string) error {
	return c.request(ctx, http.MethodPost, "/api/workers/tasks/"+taskID+"/fail", nil, serverapi.FailTaskRequest{
		WorkerID: workerID, ErrorSummary: errorSummary, OutputText: outputText,
	}, nil)
}

// --- Board settings ---

func (c *ServerClient) GetBoardSettings(ctx context.Context, boardID string) (serverapi.BoardSettingsResponse, error) {
	var out serverapi.BoardSettingsResponse
	err := c.request(ctx, http.MethodGet, "/api/boards/"+boardID+"/settings", nil, nil, &out)
	return out, err
}

// --- Card / column / board wiring (used by the Jira and Planner executors) ---

func (c *ServerClient) CreateCard(ctx context.Context, req serverapi.CreateCardRequest) (serverapi.CardResponse, error) {
	var out serverapi.CardResponse
	err := c.request(ctx, http.MethodPost, "/api/cards", nil, req, &out)
	return out, err
}

func (c *ServerClient) CreateColumn(ctx context.Context, boardID string, req serverapi.CreateColumnRequest) (serverapi.ColumnResponse, error) {
	var out serverapi.ColumnResponse
	err := c.request(ctx, http.MethodPost, "/api/boards/"+boardID+"/columns", nil, req, &out)
	return out, err
}

func (c *ServerClient) UpdateBoard(ctx context.Context, boardID string, req serverapi.UpdateBoardRequest) error {
	return c.request(ctx, http.MethodPatch, "/api/boards/"+boardID, nil, req, nil)
}

func (c *ServerClient) UpdateColumn(ctx context.Context, columnID string, req serverapi.UpdateColumnRequest) error {
	return c.request(ctx, http.MethodPatch, "/api/columns/"+columnID, nil, req, nil)
}

// Close is a no-op for net/http's pooled transport; kept to mirror the
// original's explicit aclose() lifecycle call.
func (c *ServerClient) Close() error { return nil }
