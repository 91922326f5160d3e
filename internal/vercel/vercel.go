// Package vercel is the hosting-platform gateway: projects linked to
// GitHub repos, deployments, and their readiness.
package vercel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

const defaultBaseURL = "https://api.vercel.com"

// Deployment ready states.
const (
	StateQueued       = "QUEUED"
	StateBuilding     = "BUILDING"
	StateInitializing = "INITIALIZING"
	StateReady        = "READY"
	StateError        = "ERROR"
	StateCanceled     = "CANCELED"
)

// Deployment is the subset of the deployment object we track.
type Deployment struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	ReadyState   string `json:"readyState"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Ready reports a successful terminal state.
func (d *Deployment) Ready() bool { return d.ReadyState == StateReady }

// Failed reports an unsuccessful terminal state.
func (d *Deployment) Failed() bool {
	return d.ReadyState == StateError || d.ReadyState == StateCanceled
}

// Client talks to the Vercel REST API.
type Client struct {
	token      string
	teamID     string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a client. teamID may be empty for a personal account.
func New(token, teamID, baseURL string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		token:      token,
		teamID:     teamID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "vercel").Logger(),
	}
}

type gitRepository struct {
	Type string `json:"type"`
	Repo string `json:"repo"`
}

type createProjectRequest struct {
	Name          string        `json:"name"`
	Framework     string        `json:"framework"`
	GitRepository gitRepository `json:"gitRepository"`
}

// CreateProject creates a Next.js project linked to owner/repo. An existing
// project is not an error; created reports which case applied.
func (c *Client) CreateProject(ctx context.Context, name, owner, repo string) (created bool, err error) {
	body := createProjectRequest{
		Name:          name,
		Framework:     "nextjs",
		GitRepository: gitRepository{Type: "github", Repo: owner + "/" + repo},
	}
	err = c.do(ctx, http.MethodPost, "/v10/projects", body, nil)
	if err != nil {
		if isAlreadyExists(err) {
			c.logger.Info().Str("project", name).Msg("project already exists")
			return false, nil
		}
		return false, fmt.Errorf("creating project %s: %w", name, err)
	}
	c.logger.Info().Str("project", name).Msg("created project")
	return true, nil
}

type gitSource struct {
	Type string `json:"type"`
	Org  string `json:"org"`
	Repo string `json:"repo"`
	Ref  string `json:"ref"`
}

type createDeploymentRequest struct {
	Name      string    `json:"name"`
	GitSource gitSource `json:"gitSource"`
}

// CreateDeployment triggers a production build of owner/repo at ref.
func (c *Client) CreateDeployment(ctx context.Context, name, owner, repo, ref string) (*Deployment, error) {
	if ref == "" {
		ref = "main"
	}
	body := createDeploymentRequest{
		Name:      name,
		GitSource: gitSource{Type: "github", Org: owner, Repo: repo, Ref: ref},
	}
	var d Deployment
	if err := c.do(ctx, http.MethodPost, "/v13/deployments", body, &d); err != nil {
		return nil, fmt.Errorf("creating deployment for %s: %w", name, err)
	}
	if d.ID == "" {
		return nil, fmt.Errorf("creating deployment for %s: response has no id: %w", name, perrors.ErrUnavailable)
	}
	c.logger.Info().Str("project", name).Str("deployment_id", d.ID).Msg("triggered deployment")
	return &d, nil
}

// GetDeployment fetches the current state of a deployment.
func (c *Client) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodGet, "/v13/deployments/"+url.PathEscape(id), nil, &d); err != nil {
		return nil, fmt.Errorf("getting deployment %s: %w", id, err)
	}
	return &d, nil
}

type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	u := c.baseURL + path
	if c.teamID != "" {
		u += "?teamId=" + url.QueryEscape(c.teamID)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", perrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiErrorBody
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Code + ": " + apiErr.Error.Message
		}
		return perrors.NewAPIError("vercel", resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	var apiErr *perrors.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusConflict || strings.Contains(apiErr.Message, "already exist")
}
