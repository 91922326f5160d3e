// Package deploy turns project state into a live site: it renders the
// Next.js scaffold, writes it to a GitHub repository and drives a Vercel
// deployment to a terminal state.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
	"github.com/p-blackswan/chat2site/internal/metrics"
	"github.com/p-blackswan/chat2site/internal/project"
	"github.com/p-blackswan/chat2site/internal/retry"
	"github.com/p-blackswan/chat2site/internal/vercel"
)

// Pipeline stages reported in DeploymentError.Stage.
const (
	StageCreateRepo    = "create_repo"
	StageRepoReady     = "repo_ready"
	StageWriteFiles    = "write_files"
	StageCreateProject = "create_project"
	StageTrigger       = "trigger"
	StageBuild         = "build"
)

const maxRepoName = 100

// RepoHost is the source-control side of a deployment.
type RepoHost interface {
	Owner(ctx context.Context) (string, error)
	CreateRepo(ctx context.Context, name, description string) (created bool, err error)
	RepoExists(ctx context.Context, name string) (bool, error)
	PutFile(ctx context.Context, repo, path string, content []byte, message string) error
	DeleteFile(ctx context.Context, repo, path, message string) error
	ListFiles(ctx context.Context, repo string) ([]string, error)
}

// Host is the hosting-platform side of a deployment.
type Host interface {
	CreateProject(ctx context.Context, name, owner, repo string) (created bool, err error)
	CreateDeployment(ctx context.Context, name, owner, repo, ref string) (*vercel.Deployment, error)
	GetDeployment(ctx context.Context, id string) (*vercel.Deployment, error)
}

// Config holds pipeline timings.
type Config struct {
	Domain         string // public URL suffix, e.g. vercel.app
	RepoPoll       retry.PollConfig
	DeployPoll     retry.PollConfig
	FileWriteDelay time.Duration
}

// DefaultConfig matches production timings.
func DefaultConfig() Config {
	return Config{
		Domain:         "vercel.app",
		RepoPoll:       retry.PollConfig{Interval: 2 * time.Second, MaxAttempts: 8},
		DeployPoll:     retry.PollConfig{Interval: 3 * time.Second, Timeout: 2 * time.Minute},
		FileWriteDelay: 500 * time.Millisecond,
	}
}

// Asset is a binary file published under public/images.
type Asset struct {
	Name string
	Data []byte
}

// Result describes a successful deployment.
type Result struct {
	RepoName     string
	RepoURL      string
	PublicURL    string
	DeploymentID string
	NewSite      bool
}

// Orchestrator sequences repo, file, project and deployment calls.
type Orchestrator struct {
	repos   RepoHost
	host    Host
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// New creates an orchestrator. m may be nil.
func New(repos RepoHost, host Host, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	if cfg.Domain == "" {
		cfg.Domain = "vercel.app"
	}
	return &Orchestrator{
		repos:   repos,
		host:    host,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "deploy").Logger(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// PublicURL is the deterministic address of a deployed repo.
func (o *Orchestrator) PublicURL(repoName string) string {
	return "https://" + repoName + "." + o.cfg.Domain
}

// Deploy publishes st. Without a repo it runs the full pipeline: create
// repo, wait for it, write files, create project, deploy, wait. With a
// repo it delegates to Redeploy with no previous state. st is not mutated.
func (o *Orchestrator) Deploy(ctx context.Context, st *project.State, assets []Asset) (*Result, error) {
	if st.HasProject() {
		return o.Redeploy(ctx, nil, st, assets)
	}
	start := o.now()
	res, err := o.provision(ctx, RepoName(st, o.now(), uuid.NewString()), st, assets)
	o.record("new", start, err)
	return res, err
}

// DeployHTML publishes a single HTML document, the legacy path used by the
// HTTP deploy endpoint. With existingRepo only the home page is rewritten.
func (o *Orchestrator) DeployHTML(ctx context.Context, html, projectName, existingRepo string) (*Result, error) {
	if strings.TrimSpace(html) == "" {
		return nil, fmt.Errorf("html is required: %w", perrors.ErrInvalidInput)
	}
	st := project.NewState()
	st.CurrentHTML = html
	start := o.now()

	if existingRepo != "" {
		st.RepoName = existingRepo
		res, err := o.redeployFiles(ctx, existingRepo, []File{{Path: HomePagePath, Content: htmlPage("Home", "", html)}}, nil, nil)
		o.record("html_update", start, err)
		return res, err
	}

	name := LegacyRepoName(o.now())
	if slug := project.GenerateSlug(projectName, 60); slug != "" {
		name = slug + "-" + shortSuffix(uuid.NewString())
	}
	res, err := o.provision(ctx, name, st, nil)
	o.record("html_new", start, err)
	return res, err
}

// Redeploy rewrites the files of an existing site and rebuilds it. When prev
// is given only files whose content changed are written; route files that
// no longer correspond to a page or post are deleted.
func (o *Orchestrator) Redeploy(ctx context.Context, prev, next *project.State, assets []Asset) (*Result, error) {
	if !next.HasProject() {
		return nil, fmt.Errorf("redeploy without a repository: %w", perrors.ErrInvalidInput)
	}
	start := o.now()
	repo := next.RepoName
	files := Scaffold(repo, next)

	changed := files
	if prev != nil {
		changed = changedFiles(Scaffold(repo, prev), files)
	}
	res, err := o.redeployFiles(ctx, repo, changed, files, assets)
	o.record("update", start, err)
	return res, err
}

func (o *Orchestrator) redeployFiles(ctx context.Context, repo string, changed, desired []File, assets []Asset) (*Result, error) {
	log := o.logger.With().Str("repo", repo).Logger()
	owner, err := o.repos.Owner(ctx)
	if err != nil {
		return nil, stageErr(StageWriteFiles, err)
	}

	if err := o.writeFiles(ctx, repo, changed, assets, "Update website"); err != nil {
		return nil, err
	}
	if desired != nil {
		if err := o.deleteStale(ctx, repo, desired); err != nil {
			return nil, err
		}
	}
	log.Info().Int("files", len(changed)).Int("assets", len(assets)).Msg("pushed site update")

	id, err := o.triggerAndWait(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return o.result(owner, repo, id, false), nil
}

func (o *Orchestrator) provision(ctx context.Context, repo string, st *project.State, assets []Asset) (*Result, error) {
	log := o.logger.With().Str("repo", repo).Logger()

	owner, err := o.repos.Owner(ctx)
	if err != nil {
		return nil, stageErr(StageCreateRepo, err)
	}
	created, err := o.repos.CreateRepo(ctx, repo, "Generated website: "+repo)
	if err != nil {
		return nil, stageErr(StageCreateRepo, err)
	}
	if created {
		err = retry.Poll(ctx, o.cfg.RepoPoll, func(ctx context.Context) (bool, error) {
			ok, err := o.repos.RepoExists(ctx, repo)
			if err != nil && perrors.IsRetryable(err) {
				log.Debug().Err(err).Msg("repo visibility check failed, retrying")
				return false, nil
			}
			return ok, err
		})
		if err != nil {
			return nil, &perrors.DeploymentError{Stage: StageRepoReady, Message: "repository did not become visible", Err: err}
		}
	}
	log.Info().Bool("created", created).Msg("repository ready")

	if err := o.writeFiles(ctx, repo, Scaffold(repo, st), assets, ""); err != nil {
		return nil, err
	}

	if _, err := o.host.CreateProject(ctx, repo, owner, repo); err != nil {
		return nil, stageErr(StageCreateProject, err)
	}

	id, err := o.triggerAndWait(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	res := o.result(owner, repo, id, true)
	log.Info().Str("url", res.PublicURL).Msg("site is live")
	return res, nil
}

// writeFiles pushes files then assets, pausing between writes. An empty
// message uses "Add <path>".
func (o *Orchestrator) writeFiles(ctx context.Context, repo string, files []File, assets []Asset, message string) error {
	write := func(path string, data []byte) error {
		msg := message
		if msg == "" {
			msg = "Add " + path
		}
		if err := o.repos.PutFile(ctx, repo, path, data, msg); err != nil {
			return &perrors.DeploymentError{Stage: StageWriteFiles, Message: path, Err: err}
		}
		return o.sleep(ctx, o.cfg.FileWriteDelay)
	}
	for _, f := range files {
		if err := write(f.Path, []byte(f.Content)); err != nil {
			return err
		}
	}
	for _, a := range assets {
		if err := write("public/images/"+a.Name, a.Data); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) deleteStale(ctx context.Context, repo string, desired []File) error {
	existing, err := o.repos.ListFiles(ctx, repo)
	if err != nil {
		return stageErr(StageWriteFiles, err)
	}
	keep := make(map[string]bool, len(desired))
	for _, f := range desired {
		keep[f.Path] = true
	}
	for _, path := range existing {
		if !Managed(path) || keep[path] {
			continue
		}
		if err := o.repos.DeleteFile(ctx, repo, path, "Remove "+path); err != nil {
			return &perrors.DeploymentError{Stage: StageWriteFiles, Message: path, Err: err}
		}
		o.logger.Info().Str("repo", repo).Str("path", path).Msg("removed stale route")
	}
	return nil
}

func (o *Orchestrator) triggerAndWait(ctx context.Context, owner, repo string) (string, error) {
	d, err := o.host.CreateDeployment(ctx, repo, owner, repo, "main")
	if err != nil {
		return "", stageErr(StageTrigger, err)
	}
	return d.ID, o.waitReady(ctx, d.ID)
}

// waitReady polls until READY, ERROR or CANCELED, or the timeout. Failed
// status reads are retried like the pending states.
func (o *Orchestrator) waitReady(ctx context.Context, id string) error {
	var terminal *vercel.Deployment
	err := retry.Poll(ctx, o.cfg.DeployPoll, func(ctx context.Context) (bool, error) {
		d, err := o.host.GetDeployment(ctx, id)
		if err != nil {
			if errors.Is(err, perrors.ErrAuthFailure) {
				return false, err
			}
			o.logger.Debug().Err(err).Str("deployment_id", id).Msg("status check failed, retrying")
			return false, nil
		}
		if d.Ready() || d.Failed() {
			terminal = d
			return true, nil
		}
		return false, nil
	})
	switch {
	case errors.Is(err, perrors.ErrTimeout):
		return &perrors.DeploymentTimeout{DeploymentID: id, After: o.cfg.DeployPoll.Timeout}
	case err != nil:
		return stageErr(StageBuild, err)
	case terminal.Failed():
		msg := terminal.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}
		return &perrors.DeploymentError{Stage: StageBuild, State: terminal.ReadyState, Message: msg}
	}
	return nil
}

func (o *Orchestrator) result(owner, repo, deploymentID string, newSite bool) *Result {
	return &Result{
		RepoName:     repo,
		RepoURL:      "https://github.com/" + owner + "/" + repo,
		PublicURL:    o.PublicURL(repo),
		DeploymentID: deploymentID,
		NewSite:      newSite,
	}
}

func (o *Orchestrator) record(kind string, start time.Time, err error) {
	result := "success"
	var timeout *perrors.DeploymentTimeout
	switch {
	case errors.As(err, &timeout):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	o.metrics.RecordDeployment(kind, result, o.now().Sub(start).Seconds())
}

func stageErr(stage string, err error) error {
	var de *perrors.DeploymentError
	if errors.As(err, &de) {
		return err
	}
	return &perrors.DeploymentError{Stage: stage, Err: err}
}

// changedFiles returns the entries of next whose path is new or whose
// content differs from prev.
func changedFiles(prev, next []File) []File {
	old := make(map[string]string, len(prev))
	for _, f := range prev {
		old[f.Path] = f.Content
	}
	var out []File
	for _, f := range next {
		if content, ok := old[f.Path]; !ok || content != f.Content {
			out = append(out, f)
		}
	}
	return out
}

// RepoName derives a repository name for a new site: a business or site
// name slug plus a short unique suffix, else a keyword slug from the home
// page title, else site-<base36 millis>.
func RepoName(st *project.State, now time.Time, unique string) string {
	base := st.BusinessName
	if base == "" && st.SiteConfig != nil {
		base = st.SiteConfig.SiteName
	}
	if base == "" {
		if home, ok := st.HomePage(); ok && !strings.EqualFold(strings.TrimSpace(home.Title), "home") {
			base = keywords(home.Title, 4)
		}
	}
	slug := project.GenerateSlug(base, maxRepoName-9)
	if slug == "" {
		return LegacyRepoName(now)
	}
	return slug + "-" + shortSuffix(unique)
}

// LegacyRepoName is site-<base36 unix millis>.
func LegacyRepoName(now time.Time) string {
	return "site-" + strconv.FormatInt(now.UnixMilli(), 36)
}

var stopWords = []string{"a", "an", "and", "the", "of", "for", "to", "in", "on", "with", "my", "our", "your", "welcome", "home"}

func keywords(title string, limit int) string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(title)) {
		w = strings.Trim(w, ".,!?:;'\"()-")
		if w == "" || slices.Contains(stopWords, w) {
			continue
		}
		out = append(out, w)
		if len(out) == limit {
			break
		}
	}
	return strings.Join(out, " ")
}

func shortSuffix(unique string) string {
	s := strings.ReplaceAll(unique, "-", "")
	if len(s) > 8 {
		s = s[:8]
	}
	return strings.ToLower(s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
