// Package github is the source-control gateway: it creates site
// repositories and writes generated files into them.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

// Options configures a Client. Exactly one of Token or App is expected;
// App wins when both are set.
type Options struct {
	Token   string
	App     *AppAuth
	Owner   string // organisation to create repos in; empty means the token's user
	BaseURL string // API root, for GitHub Enterprise or tests
}

// Client wraps the GitHub REST API for site repositories.
type Client struct {
	gh     *gh.Client
	org    string
	logger zerolog.Logger

	ownerMu sync.Mutex
	owner   string
}

// New creates a client.
func New(opts Options, logger zerolog.Logger) (*Client, error) {
	var source TokenSource
	switch {
	case opts.App != nil:
		if opts.Owner == "" {
			return nil, fmt.Errorf("github app auth requires an owner: %w", perrors.ErrInvalidInput)
		}
		source = opts.App
	case opts.Token != "":
		source = StaticToken(opts.Token)
	default:
		return nil, fmt.Errorf("no github credentials: %w", perrors.ErrInvalidInput)
	}

	client := gh.NewClient(&http.Client{
		Transport: &authTransport{scheme: "token", source: source, base: http.DefaultTransport},
		Timeout:   30 * time.Second,
	})
	if opts.BaseURL != "" {
		base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing github base URL: %w", err)
		}
		client.BaseURL = base
		if opts.App != nil {
			opts.App.baseURL = base
		}
	}

	return &Client{
		gh:     client,
		org:    opts.Owner,
		owner:  opts.Owner,
		logger: logger.With().Str("component", "github").Logger(),
	}, nil
}

// Owner returns the account that owns site repositories. Without a
// configured organisation it is the authenticated user's login, looked up
// once and memoized; a failed lookup is retried on the next call.
func (c *Client) Owner(ctx context.Context) (string, error) {
	c.ownerMu.Lock()
	defer c.ownerMu.Unlock()
	if c.owner != "" {
		return c.owner, nil
	}
	user, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return "", classify("resolving owner", err)
	}
	c.owner = user.GetLogin()
	c.logger.Info().Str("owner", c.owner).Msg("resolved repository owner")
	return c.owner, nil
}

// ResetOwner forgets a memoized user login.
func (c *Client) ResetOwner() {
	c.ownerMu.Lock()
	c.owner = c.org
	c.ownerMu.Unlock()
}

// Ping verifies the credentials by resolving the owner.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Owner(ctx)
	return err
}

// CreateRepo creates a public repository with an initial commit. A repo
// that already exists is not an error; created reports which case applied.
func (c *Client) CreateRepo(ctx context.Context, name, description string) (created bool, err error) {
	_, _, err = c.gh.Repositories.Create(ctx, c.org, &gh.Repository{
		Name:        gh.String(name),
		Description: gh.String(description),
		AutoInit:    gh.Bool(true),
		Private:     gh.Bool(false),
	})
	if err != nil {
		err = classify("creating repo "+name, err)
		if errors.Is(err, perrors.ErrAlreadyExists) {
			c.logger.Info().Str("repo", name).Msg("repo already exists")
			return false, nil
		}
		return false, err
	}
	c.logger.Info().Str("repo", name).Msg("created repo")
	return true, nil
}

// RepoExists reports whether the repository is visible to the API.
func (c *Client) RepoExists(ctx context.Context, name string) (bool, error) {
	owner, err := c.Owner(ctx)
	if err != nil {
		return false, err
	}
	_, _, err = c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		err = classify("getting repo "+name, err)
		if errors.Is(err, perrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FileSHA returns the blob SHA of a file, or "" when it does not exist.
func (c *Client) FileSHA(ctx context.Context, repo, path string) (string, error) {
	owner, err := c.Owner(ctx)
	if err != nil {
		return "", err
	}
	file, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, nil)
	if err != nil {
		err = classify("getting "+path, err)
		if errors.Is(err, perrors.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if file == nil {
		return "", fmt.Errorf("%s is a directory: %w", path, perrors.ErrInvalidInput)
	}
	return file.GetSHA(), nil
}

// PutFile creates or overwrites a file on the default branch.
func (c *Client) PutFile(ctx context.Context, repo, path string, content []byte, message string) error {
	owner, err := c.Owner(ctx)
	if err != nil {
		return err
	}
	sha, err := c.FileSHA(ctx, repo, path)
	if err != nil {
		return err
	}
	opts := &gh.RepositoryContentFileOptions{
		Message: gh.String(message),
		Content: content,
	}
	if sha != "" {
		opts.SHA = gh.String(sha)
		_, _, err = c.gh.Repositories.UpdateFile(ctx, owner, repo, path, opts)
	} else {
		_, _, err = c.gh.Repositories.CreateFile(ctx, owner, repo, path, opts)
	}
	if err != nil {
		return classify("writing "+path, err)
	}
	c.logger.Debug().Str("repo", repo).Str("path", path).Bool("update", sha != "").Msg("wrote file")
	return nil
}

// DeleteFile removes a file. A file that is already gone is not an error.
func (c *Client) DeleteFile(ctx context.Context, repo, path, message string) error {
	owner, err := c.Owner(ctx)
	if err != nil {
		return err
	}
	sha, err := c.FileSHA(ctx, repo, path)
	if err != nil || sha == "" {
		return err
	}
	_, _, err = c.gh.Repositories.DeleteFile(ctx, owner, repo, path, &gh.RepositoryContentFileOptions{
		Message: gh.String(message),
		SHA:     gh.String(sha),
	})
	if err != nil {
		return classify("deleting "+path, err)
	}
	c.logger.Debug().Str("repo", repo).Str("path", path).Msg("deleted file")
	return nil
}

// ListFiles returns every blob path on the default branch.
func (c *Client) ListFiles(ctx context.Context, repo string) ([]string, error) {
	owner, err := c.Owner(ctx)
	if err != nil {
		return nil, err
	}
	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, classify("getting repo "+repo, err)
	}
	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	tree, _, err := c.gh.Git.GetTree(ctx, owner, repo, branch, true)
	if err != nil {
		return nil, classify("listing files of "+repo, err)
	}
	var paths []string
	for _, e := range tree.Entries {
		if e.GetType() == "blob" {
			paths = append(paths, e.GetPath())
		}
	}
	return paths, nil
}

// UploadAsset stores an image under public/images and returns the site-relative URL.
func (c *Client) UploadAsset(ctx context.Context, repo, name string, data []byte) (string, error) {
	path := "public/images/" + name
	if err := c.PutFile(ctx, repo, path, data, "Add "+path); err != nil {
		return "", err
	}
	return "/images/" + name, nil
}

// classify maps go-github errors onto the sentinels callers branch on.
func classify(op string, err error) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%s: %w", op, perrors.NewAPIError("github", http.StatusTooManyRequests, rateErr.Message))
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return fmt.Errorf("%s: %w", op, perrors.NewAPIError("github", http.StatusTooManyRequests, abuseErr.Message))
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		status := ghErr.Response.StatusCode
		if status == http.StatusUnprocessableEntity && alreadyExists(ghErr) {
			return fmt.Errorf("%s: %w", op, perrors.ErrAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, perrors.NewAPIError("github", status, ghErr.Message))
	}
	return fmt.Errorf("%s: %w: %w", op, perrors.ErrUnavailable, err)
}

func alreadyExists(e *gh.ErrorResponse) bool {
	if strings.Contains(e.Message, "already exists") {
		return true
	}
	for _, detail := range e.Errors {
		if strings.Contains(detail.Message, "already exists") {
			return true
		}
	}
	return false
}
