package fleetctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetd/services/hub"
)

// APIError is a non-2xx answer from the management API.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
}

// Client talks to the hub management API under /v1.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// NewClient validates the base URL and returns a Client. A nil httpClient
// gets a default with a generous timeout for uploads.
func NewClient(baseURL, token string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("api base url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api base url %q must use http or https", baseURL)
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("api token is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &Client{baseURL: u, token: token, http: httpClient}, nil
}

// PackageUpload is the metadata sent with a package body.
type PackageUpload struct {
	Name     string
	TargetOS string
	Checksum string
	Expected *string
}

// Mirror is a presigned download location for an encrypted package.
type Mirror struct {
	URL               string `json:"url"`
	ExpiresInSeconds  int    `json:"expires_in_seconds"`
	EncryptedChecksum string `json:"encrypted_checksum"`
}

// DeploymentFilter narrows a deployment listing. Zero IDs are ignored.
type DeploymentFilter struct {
	AgentID   uuid.UUID
	PackageID uuid.UUID
}

// UploadPackage streams body to the hub.
func (c *Client) UploadPackage(ctx context.Context, in PackageUpload, body io.Reader) (hub.Package, error) {
	q := url.Values{}
	q.Set("name", in.Name)
	q.Set("os", in.TargetOS)
	q.Set("checksum", in.Checksum)
	if in.Expected != nil {
		q.Set("expected", *in.Expected)
	}
	var pkg hub.Package
	err := c.do(ctx, http.MethodPost, "/v1/packages", q, body, "application/octet-stream", &pkg)
	return pkg, err
}

// Packages lists every package.
func (c *Client) Packages(ctx context.Context) ([]hub.Package, error) {
	var out struct {
		Packages []hub.Package `json:"packages"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/packages", nil, nil, "", &out)
	return out.Packages, err
}

// DeletePackage marks a package for deletion.
func (c *Client) DeletePackage(ctx context.Context, id uuid.UUID) (hub.Package, error) {
	var pkg hub.Package
	err := c.do(ctx, http.MethodDelete, "/v1/packages/"+id.String(), nil, nil, "", &pkg)
	return pkg, err
}

// PackageMirror returns a presigned URL for the encrypted package.
func (c *Client) PackageMirror(ctx context.Context, id uuid.UUID) (Mirror, error) {
	var m Mirror
	err := c.do(ctx, http.MethodGet, "/v1/packages/"+id.String()+"/mirror", nil, nil, "", &m)
	return m, err
}

// Agents lists every agent.
func (c *Client) Agents(ctx context.Context) ([]hub.Agent, error) {
	var out struct {
		Agents []hub.Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/agents", nil, nil, "", &out)
	return out.Agents, err
}

// DeleteAgent removes an agent and its deployments.
func (c *Client) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/agents/"+id.String(), nil, nil, "", nil)
}

// CreateGroup creates an empty group.
func (c *Client) CreateGroup(ctx context.Context, name string) (hub.Group, error) {
	var g hub.Group
	err := c.doJSON(ctx, http.MethodPost, "/v1/groups", map[string]string{"name": name}, &g)
	return g, err
}

// Groups lists every group.
func (c *Client) Groups(ctx context.Context) ([]hub.Group, error) {
	var out struct {
		Groups []hub.Group `json:"groups"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/groups", nil, nil, "", &out)
	return out.Groups, err
}

// DeleteGroup removes a group.
func (c *Client) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/groups/"+id.String(), nil, nil, "", nil)
}

// AddGroupAgent adds an agent to a group.
func (c *Client) AddGroupAgent(ctx context.Context, groupID, agentID uuid.UUID) (hub.Group, error) {
	return c.addMember(ctx, groupID, "agents", agentID)
}

// AddGroupPackage adds a package to a group.
func (c *Client) AddGroupPackage(ctx context.Context, groupID, packageID uuid.UUID) (hub.Group, error) {
	return c.addMember(ctx, groupID, "packages", packageID)
}

// RemoveGroupAgent removes an agent from a group.
func (c *Client) RemoveGroupAgent(ctx context.Context, groupID, agentID uuid.UUID) (hub.Group, error) {
	return c.removeMember(ctx, groupID, "agents", agentID)
}

// RemoveGroupPackage removes a package from a group.
func (c *Client) RemoveGroupPackage(ctx context.Context, groupID, packageID uuid.UUID) (hub.Group, error) {
	return c.removeMember(ctx, groupID, "packages", packageID)
}

func (c *Client) addMember(ctx context.Context, groupID uuid.UUID, kind string, memberID uuid.UUID) (hub.Group, error) {
	var g hub.Group
	path := "/v1/groups/" + groupID.String() + "/" + kind
	err := c.doJSON(ctx, http.MethodPost, path, map[string]string{"id": memberID.String()}, &g)
	return g, err
}

func (c *Client) removeMember(ctx context.Context, groupID uuid.UUID, kind string, memberID uuid.UUID) (hub.Group, error) {
	var g hub.Group
	path := "/v1/groups/" + groupID.String() + "/" + kind + "/" + memberID.String()
	err := c.do(ctx, http.MethodDelete, path, nil, nil, "", &g)
	return g, err
}

// CreateDeployment assigns a package to one agent directly.
func (c *Client) CreateDeployment(ctx context.Context, agentID, packageID uuid.UUID) (hub.Deployment, error) {
	var d hub.Deployment
	err := c.doJSON(ctx, http.MethodPost, "/v1/deployments", map[string]string{
		"agent_id":   agentID.String(),
		"package_id": packageID.String(),
	}, &d)
	return d, err
}

// Deployments lists deployments matching filter.
func (c *Client) Deployments(ctx context.Context, filter DeploymentFilter) ([]hub.Deployment, error) {
	q := url.Values{}
	if filter.AgentID != uuid.Nil {
		q.Set("agent_id", filter.AgentID.String())
	}
	if filter.PackageID != uuid.Nil {
		q.Set("package_id", filter.PackageID.String())
	}
	var out struct {
		Deployments []hub.Deployment `json:"deployments"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/deployments", q, nil, "", &out)
	return out.Deployments, err
}

// DeleteDeployment removes a deployment.
func (c *Client) DeleteDeployment(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/deployments/"+id.String(), nil, nil, "", nil)
}

// RotateRegistrationToken replaces the registration token and returns the new one.
func (c *Client) RotateRegistrationToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"registration_token"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/registration-token", nil, nil, "", &out)
	return out.Token, err
}

// Reconcile asks the hub to recompute group deployments.
func (c *Client) Reconcile(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/reconcile", nil, nil, "", nil)
}

// Audit returns the newest audit entries. A limit of zero uses the hub default.
func (c *Client) Audit(ctx context.Context, limit int) ([]hub.AuditEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Entries []hub.AuditEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/audit", q, nil, "", &out)
	return out.Entries, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, method, path, nil, bytes.NewReader(body), "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	u := *c.baseURL
	u.Path += path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
