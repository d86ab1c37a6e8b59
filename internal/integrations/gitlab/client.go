package gitlab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Error is raised when a GitLab API request fails (client.py's GitLabError).
type Error struct {
	Message    string
	StatusCode int
	Response   string
}

func (e *Error) Error() string { return e.Message }

// Client is a GitLab REST API v4 client authenticated with a Personal
// Access Token (client.py's GitLabClient).
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(server, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(server, "/") + "/api/v4",
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) request(method, endpoint string, params url.Values, body any, out any) error {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &Error{Message: fmt.Sprintf("encode request: %v", err)}
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u, reqBody)
	if err != nil {
		return &Error{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Message: fmt.Sprintf("Cannot connect to GitLab: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var parsed map[string]any
		detail := string(respBody)
		if json.Unmarshal(respBody, &parsed) == nil {
			if m, ok := parsed["message"]; ok {
				detail = fmt.Sprint(m)
			} else if e, ok := parsed["error"]; ok {
				detail = fmt.Sprint(e)
			}
		}
		respText := string(respBody)
		if len(respText) > 500 {
			respText = respText[:500]
		}
		return &Error{Message: fmt.Sprintf("GitLab API error: %s", detail), StatusCode: resp.StatusCode, Response: respText}
	}
	if len(respBody) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// Project is the subset of GitLab's project payload the executors need.
type Project struct {
	ID                int    `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
	DefaultBranch     string `json:"default_branch"`
}

// MergeRequest is the subset of GitLab's MR payload the executors need.
type MergeRequest struct {
	IID    int    `json:"iid"`
	WebURL string `json:"web_url"`
}

func (c *Client) TestConnection() (map[string]any, error) {
	var out map[string]any
	err := c.request(http.MethodGet, "/user", nil, nil, &out)
	return out, err
}

func (c *Client) ListProjects(search string) ([]map[string]any, error) {
	params := url.Values{"membership": {"true"}, "per_page": {"50"}}
	if search != "" {
		params.Set("search", search)
	}
	var out []map[string]any
	err := c.request(http.MethodGet, "/projects", params, nil, &out)
	return out, err
}

func (c *Client) GetProject(projectID int) (Project, error) {
	var out Project
	err := c.request(http.MethodGet, "/projects/"+strconv.Itoa(projectID), nil, nil, &out)
	return out, err
}

// CreateProjectInput mirrors create_project's keyword args (namespace_id is
// a pointer since GitLab treats its absence differently from 0).
type CreateProjectInput struct {
	Name        string
	NamespaceID *int
	Visibility  string
	Description string
}

func (c *Client) CreateProject(in CreateProjectInput) (Project, error) {
	visibility := in.Visibility
	if visibility == "" {
		visibility = "private"
	}
	body := map[string]any{"name": in.Name, "visibility": visibility}
	if in.NamespaceID != nil {
		body["namespace_id"] = *in.NamespaceID
	}
	if in.Description != "" {
		body["description"] = in.Description
	}
	var out Project
	err := c.request(http.MethodPost, "/projects", nil, body, &out)
	return out, err
}

func (c *Client) CreateBranch(projectID int, branchName, ref string) error {
	if ref == "" {
		ref = "main"
	}
	return c.request(http.MethodPost, fmt.Sprintf("/projects/%d/repository/branches", projectID), nil,
		map[string]any{"branch": branchName, "ref": ref}, nil)
}

func (c *Client) CreateMergeRequest(projectID int, sourceBranch, targetBranch, title, description string) (MergeRequest, error) {
	body := map[string]any{"source_branch": sourceBranch, "target_branch": targetBranch, "title": title}
	if description != "" {
		body["description"] = description
	}
	var out MergeRequest
	err := c.request(http.MethodPost, fmt.Sprintf("/projects/%d/merge_requests", projectID), nil, body, &out)
	return out, err
}
