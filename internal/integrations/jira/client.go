package jira

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Error is raised when a Jira API request fails (client.py's JiraError).
type Error struct {
	Message    string
	StatusCode int
	Response   string
}

func (e *Error) Error() string { return e.Message }

// Client is a Jira Server REST API v2 client using Basic Auth, ported from
// client.py's JiraClient.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient validates the config is usable before returning a Client,
// matching JiraClient.__init__'s eager _validate_config call.
func NewClient(config Config) (*Client, error) {
	if !config.IsConfigured() {
		return nil, &Error{Message: "Jira not configured. Run '/jira setup' or set environment variables:\n" +
			"  JIRA_SERVER, JIRA_USERNAME, JIRA_PASSWORD"}
	}
	return &Client{config: config, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *Client) authHeader() string {
	creds := c.config.Username + ":" + c.config.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

func (c *Client) server() string {
	if c.config.Server != "" {
		return c.config.Server
	}
	return defaultServer
}

func (c *Client) request(method, endpoint string, data any) (map[string]any, error) {
	u := strings.TrimRight(c.server(), "/") + "/rest/api/2/" + strings.TrimLeft(endpoint, "/")

	var body io.Reader
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, &Error{Message: fmt.Sprintf("encode request: %v", err)}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("Connection error: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		errMsg := string(respBody)
		var errData map[string]any
		if json.Unmarshal(respBody, &errData) == nil {
			if errs, ok := errData["errorMessages"].([]any); ok && len(errs) > 0 {
				parts := make([]string, 0, len(errs))
				for _, e := range errs {
					parts = append(parts, fmt.Sprint(e))
				}
				errMsg = strings.Join(parts, "; ")
			} else if fieldErrors, ok := errData["errors"]; ok {
				errMsg = fmt.Sprint(fieldErrors)
			}
		} else if len(errMsg) > 200 {
			errMsg = errMsg[:200]
		}
		return nil, &Error{Message: fmt.Sprintf("Jira API error: %s", errMsg), StatusCode: resp.StatusCode, Response: string(respBody)}
	}

	if len(respBody) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &Error{Message: fmt.Sprintf("decode response: %v", err)}
	}
	return out, nil
}

func (c *Client) TestConnection() (map[string]any, error) {
	return c.request(http.MethodGet, "myself", nil)
}

// CreateIssueInput mirrors create_issue's keyword args.
type CreateIssueInput struct {
	Summary      string
	Description  string
	Project      string
	IssueType    IssueType
	Labels       []string
	Assignee     string
	Priority     string
	CustomFields map[string]any
}

// CreateIssue creates a new Jira issue, defaulting project to the config's
// default_project and merging labels with default_labels (deduped,
// order-preserving, as in client.py's create_issue).
func (c *Client) CreateIssue(in CreateIssueInput) (Issue, error) {
	project := in.Project
	if project == "" {
		project = c.config.DefaultProject
	}
	if project == "" {
		return Issue{}, &Error{Message: "No project specified and no default project configured"}
	}

	issueType := in.IssueType
	if issueType == "" {
		issueType = IssueTypeTask
	}

	seen := make(map[string]bool)
	var allLabels []string
	for _, l := range append(append([]string{}, c.config.DefaultLabels...), in.Labels...) {
		if !seen[l] {
			seen[l] = true
			allLabels = append(allLabels, l)
		}
	}

	issue := Issue{
		Summary: in.Summary, Description: in.Description, Project: project,
		IssueType: issueType, Labels: allLabels, Assignee: in.Assignee, Priority: in.Priority,
	}

	payload := issue.ToAPIPayloadV2()
	if len(in.CustomFields) > 0 {
		fields := payload["fields"].(map[string]any)
		for k, v := range in.CustomFields {
			fields[k] = v
		}
	}

	resp, err := c.request(http.MethodPost, "issue", payload)
	if err != nil {
		return Issue{}, err
	}

	issue.Key = stringField(resp, "key")
	issue.ID = stringField(resp, "id")
	issue.SelfURL = stringField(resp, "self")
	if issue.Key != "" {
		issue.BrowseURL = strings.TrimRight(c.server(), "/") + "/browse/" + issue.Key
	}
	return issue, nil
}

func (c *Client) GetIssue(issueKey, fields string) (Issue, error) {
	endpoint := "issue/" + issueKey
	if fields != "" {
		endpoint += "?fields=" + url.QueryEscape(fields)
	}
	resp, err := c.request(http.MethodGet, endpoint, nil)
	if err != nil {
		return Issue{}, err
	}
	return IssueFromAPIResponse(resp, c.server()), nil
}

func (c *Client) AddComment(issueKey, comment string) error {
	_, err := c.request(http.MethodPost, "issue/"+issueKey+"/comment", map[string]any{"body": comment})
	return err
}

// UpdateIssueInput mirrors update_issue's optional fields/update maps.
type UpdateIssueInput struct {
	Fields map[string]any
	Update map[string]any
}

func (c *Client) UpdateIssue(issueKey string, in UpdateIssueInput) error {
	data := map[string]any{}
	if len(in.Fields) > 0 {
		data["fields"] = in.Fields
	}
	if len(in.Update) > 0 {
		data["update"] = in.Update
	}
	if len(data) == 0 {
		return nil
	}
	_, err := c.request(http.MethodPut, "issue/"+issueKey, data)
	return err
}

func (c *Client) AddLabel(issueKey, label string) error {
	return c.UpdateIssue(issueKey, UpdateIssueInput{
		Update: map[string]any{"labels": []any{map[string]any{"add": label}}},
	})
}

func (c *Client) TransitionIssue(issueKey, transitionID, comment string, fields map[string]any) error {
	data := map[string]any{"transition": map[string]any{"id": transitionID}}
	if comment != "" {
		data["update"] = map[string]any{"comment": []any{map[string]any{"add": map[string]any{"body": comment}}}}
	}
	if len(fields) > 0 {
		data["fields"] = fields
	}
	_, err := c.request(http.MethodPost, "issue/"+issueKey+"/transitions", data)
	return err
}

func (c *Client) GetProjects() ([]map[string]any, error) {
	u := strings.TrimRight(c.server(), "/") + "/rest/api/2/project"
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("Connection error: %v", err)}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, &Error{Message: fmt.Sprintf("Jira API error: %s", string(respBody)), StatusCode: resp.StatusCode}
	}
	var out []map[string]any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return []map[string]any{}, nil
	}
	return out, nil
}

// SearchIssues runs a JQL query and returns up to maxResults issues.
func (c *Client) SearchIssues(jql, fields string, maxResults int) ([]Issue, error) {
	if fields == "" {
		fields = "summary,status,issuetype,project,labels"
	}
	if maxResults <= 0 {
		maxResults = 50
	}
	endpoint := fmt.Sprintf("search?jql=%s&fields=%s&maxResults=%d", url.QueryEscape(jql), fields, maxResults)
	resp, err := c.request(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	rawIssues, _ := resp["issues"].([]any)
	issues := make([]Issue, 0, len(rawIssues))
	for _, ri := range rawIssues {
		if m, ok := ri.(map[string]any); ok {
			issues = append(issues, IssueFromAPIResponse(m, c.server()))
		}
	}
	return issues, nil
}

func (c *Client) LinkIssues(inwardKey, outwardKey, linkType, comment string) error {
	if linkType == "" {
		linkType = "Relates"
	}
	data := map[string]any{
		"type":         map[string]any{"name": linkType},
		"inwardIssue":  map[string]any{"key": inwardKey},
		"outwardIssue": map[string]any{"key": outwardKey},
	}
	if comment != "" {
		data["comment"] = map[string]any{"body": comment}
	}
	_, err := c.request(http.MethodPost, "issueLink", data)
	return err
}

func (c *Client) GetIssueTypes(projectKey string) ([]map[string]any, error) {
	resp, err := c.request(http.MethodGet, "issue/createmeta/"+projectKey+"/issuetypes", nil)
	if err != nil {
		return nil, err
	}
	values, _ := resp["values"].([]any)
	out := make([]map[string]any, 0, len(values))
	for _, v := range values {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}
