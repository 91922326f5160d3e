// Package chat runs one conversation turn end to end: history, prompt
// selection, completion, parsing, entitlement and deployment. The Telegram
// bot and the web API share it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat2site/internal/deploy"
	perrors "github.com/p-blackswan/chat2site/internal/errors"
	"github.com/p-blackswan/chat2site/internal/flow"
	"github.com/p-blackswan/chat2site/internal/llm"
	"github.com/p-blackswan/chat2site/internal/metrics"
	"github.com/p-blackswan/chat2site/internal/notify"
	"github.com/p-blackswan/chat2site/internal/parser"
	"github.com/p-blackswan/chat2site/internal/project"
	"github.com/p-blackswan/chat2site/internal/usage"
)

// Channel names used for metrics and entitlement rules.
const (
	ChannelTelegram = "telegram"
	ChannelWeb      = "web"
)

// Blocked kinds reported in Outcome.Blocked.
const (
	BlockedSite   = "site"
	BlockedUpdate = "update"
)

// Deployer publishes project state. *deploy.Orchestrator implements it.
type Deployer interface {
	Deploy(ctx context.Context, st *project.State, assets []deploy.Asset) (*deploy.Result, error)
	Redeploy(ctx context.Context, prev, next *project.State, assets []deploy.Asset) (*deploy.Result, error)
}

// AssetUploader writes an image straight into a live site's repository.
type AssetUploader interface {
	UploadAsset(ctx context.Context, repo, name string, data []byte) (string, error)
}

// Config holds engine tunables.
type Config struct {
	HistoryLimit     int
	MaxTokens        int
	SiteCreditCost   int
	UpdateCreditCost int
}

// DefaultConfig matches production defaults.
func DefaultConfig() Config {
	return Config{HistoryLimit: 20, MaxTokens: 8096, SiteCreditCost: 10, UpdateCreditCost: 1}
}

// Request is one inbound user message.
type Request struct {
	Key     string // conversation key: chat ID or web:<session>
	Channel string
	Text    string
	// OnDeploy, if set, runs once just before a deployment starts.
	OnDeploy func(ctx context.Context)
}

// Outcome is what the caller relays to the user.
type Outcome struct {
	Reply     string // displayText, or the raw reply when it was all prose
	Flow      flow.State
	DeployURL string
	RepoURL   string
	NewSite   bool
	Deployed  bool
	Blocked   string
}

// Engine is safe for concurrent use. Turns for the same key are serialized.
type Engine struct {
	projects *project.Store
	ledger   *usage.Ledger
	llm      llm.Provider
	prompts  *flow.Catalog
	parser   *parser.Parser
	deployer Deployer
	uploader AssetUploader
	notifier notify.Notifier
	metrics  *metrics.Metrics
	locks    *keyedMutex
	estimate func(llm.CompletionRequest) int
	cfg      Config
	logger   zerolog.Logger
}

// New creates an engine. uploader may be nil, in which case every image is
// staged until the next deployment.
func New(
	projects *project.Store,
	ledger *usage.Ledger,
	provider llm.Provider,
	prompts *flow.Catalog,
	p *parser.Parser,
	deployer Deployer,
	uploader AssetUploader,
	cfg Config,
	logger zerolog.Logger,
) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8096
	}
	return &Engine{
		projects: projects,
		ledger:   ledger,
		llm:      provider,
		prompts:  prompts,
		parser:   p,
		deployer: deployer,
		uploader: uploader,
		notifier: notify.Nop{},
		locks:    newKeyedMutex(),
		estimate: llm.EstimateRequestTokens,
		cfg:      cfg,
		logger:   logger.With().Str("component", "chat").Logger(),
	}
}

// SetMetrics sets the metrics collector.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// SetNotifier sets the operator notifier.
func (e *Engine) SetNotifier(n notify.Notifier) {
	if n != nil {
		e.notifier = n
	}
}

// Turn handles one user message. A completion failure stores nothing; a
// deploy failure stores the history but not the site edits. On any error
// the caller shows a generic apology.
func (e *Engine) Turn(ctx context.Context, req Request) (*Outcome, error) {
	text := strings.TrimSpace(req.Text)
	if req.Key == "" || text == "" {
		return nil, fmt.Errorf("key and text are required: %w", perrors.ErrInvalidInput)
	}

	unlock := e.locks.Lock(req.Key)
	defer unlock()

	log := e.logger.With().Str("key", req.Key).Str("channel", req.Channel).Logger()

	st, _, err := e.projects.GetOrNew(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	st.AppendMessage(project.RoleUser, text, e.cfg.HistoryLimit)

	state := flow.DetectFor(st)
	e.metrics.RecordTurn(req.Channel, string(state))

	system, err := e.prompts.BuildSystemPrompt(state, st)
	if err != nil {
		return nil, fmt.Errorf("building system prompt: %w", err)
	}
	creq := llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     toLLMMessages(st.Messages),
		MaxTokens:    e.cfg.MaxTokens,
	}
	if ev := log.Debug(); ev.Enabled() {
		ev.Str("flow", string(state)).Int("est_tokens", e.estimate(creq)).Msg("requesting completion")
	}

	resp, err := e.llm.Complete(ctx, creq)
	if err != nil {
		e.metrics.RecordError("llm", "complete")
		return nil, fmt.Errorf("completing turn: %w", err)
	}
	log.Info().
		Str("flow", string(state)).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Str("stop_reason", resp.StopReason).
		Msg("completion received")

	st.AppendMessage(project.RoleAssistant, resp.Text, e.cfg.HistoryLimit)

	res := e.parser.Parse(resp.Text)
	for _, s := range res.Skipped {
		e.metrics.RecordSkippedBlock(s.Tag)
	}

	out := &Outcome{Reply: res.DisplayText, Flow: state}
	if out.Reply == "" && !res.HasStructuredContent() {
		out.Reply = resp.Text
	}

	if !res.HasStructuredContent() {
		return out, e.projects.Set(ctx, req.Key, st)
	}

	next := st.Clone()
	if !Apply(next, res) {
		log.Debug().Msg("no applicable edits, skipping deploy")
		return out, e.projects.Set(ctx, req.Key, st)
	}

	newSite := !st.HasProject()
	allowed, spend, err := e.entitled(ctx, req, st, newSite)
	if err != nil {
		return nil, err
	}
	if !allowed {
		out.Blocked = BlockedUpdate
		if newSite {
			out.Blocked = BlockedSite
		}
		e.metrics.RecordBlocked(out.Blocked)
		log.Info().Str("blocked", out.Blocked).Msg("entitlement exhausted")
		return out, e.projects.Set(ctx, req.Key, st)
	}

	if req.OnDeploy != nil {
		req.OnDeploy(ctx)
	}

	assets, err := e.stagedAssets(ctx, req.Key)
	if err != nil {
		return nil, err
	}

	var result *deploy.Result
	if newSite {
		result, err = e.deployer.Deploy(ctx, next, assets)
	} else {
		result, err = e.deployer.Redeploy(ctx, st, next, assets)
	}
	if err != nil {
		e.metrics.RecordError("deploy", deployErrorType(err))
		e.notifier.DeploymentFailed(ctx, req.Key, next.RepoName, err)
		// Keep the conversation, drop the edits.
		if saveErr := e.projects.Set(ctx, req.Key, st); saveErr != nil {
			log.Error().Err(saveErr).Msg("saving history after failed deployment")
		}
		return nil, err
	}

	next.RepoName = result.RepoName
	next.DeployURL = result.PublicURL
	next.DeployCount++
	if err := e.projects.Set(ctx, req.Key, next); err != nil {
		return nil, err
	}
	if len(assets) > 0 {
		if err := e.projects.ClearAssets(ctx, req.Key); err != nil {
			log.Warn().Err(err).Msg("clearing published assets")
		}
	}
	if newSite {
		if err := e.ledger.IncrementSitesCreated(ctx, req.Key); err != nil {
			log.Error().Err(err).Msg("recording site creation")
		}
	}
	if spend > 0 {
		if err := e.ledger.SpendCredits(ctx, req.Key, spend); err != nil {
			log.Error().Err(err).Int("credits", spend).Msg("charging credits after deployment")
		}
	}

	out.DeployURL = result.PublicURL
	out.RepoURL = result.RepoURL
	out.NewSite = newSite
	out.Deployed = true
	log.Info().Str("url", result.PublicURL).Bool("new_site", newSite).Int("deploy_count", next.DeployCount).Msg("turn deployed")
	return out, nil
}

// entitled applies the free-tier rules. Web users past their quota may pay
// with credits; spend is the amount to charge once the deployment succeeds.
func (e *Engine) entitled(ctx context.Context, req Request, st *project.State, newSite bool) (allowed bool, spend int, err error) {
	u, err := e.ledger.Get(ctx, req.Key)
	if err != nil {
		return false, 0, err
	}
	if newSite && e.ledger.CanCreateSite(req.Key, u) {
		return true, 0, nil
	}
	if !newSite && e.ledger.CanUpdate(req.Key, st, u) {
		return true, 0, nil
	}
	if req.Channel != ChannelWeb {
		return false, 0, nil
	}
	cost := e.cfg.UpdateCreditCost
	if newSite {
		cost = e.cfg.SiteCreditCost
	}
	if cost > 0 && u.Credits >= cost {
		return true, cost, nil
	}
	return false, 0, nil
}

func (e *Engine) stagedAssets(ctx context.Context, key string) ([]deploy.Asset, error) {
	staged, err := e.projects.StagedAssets(ctx, key)
	if err != nil {
		return nil, err
	}
	assets := make([]deploy.Asset, 0, len(staged))
	for _, a := range staged {
		assets = append(assets, deploy.Asset{Name: a.Name, Data: a.Data})
	}
	return assets, nil
}

// AddImage stores an uploaded image for key and records its public path.
// A live site gets the file committed immediately; otherwise it is staged
// and published with the next deployment.
func (e *Engine) AddImage(ctx context.Context, key, name string, data []byte) (string, error) {
	name = path.Base(name)
	if name == "." || name == "/" || len(data) == 0 {
		return "", fmt.Errorf("image name and data are required: %w", perrors.ErrInvalidInput)
	}

	unlock := e.locks.Lock(key)
	defer unlock()

	st, _, err := e.projects.GetOrNew(ctx, key)
	if err != nil {
		return "", err
	}

	publicPath := "/images/" + name
	if st.HasProject() && e.uploader != nil {
		publicPath, err = e.uploader.UploadAsset(ctx, st.RepoName, name, data)
		if err != nil {
			return "", fmt.Errorf("uploading image: %w", err)
		}
	} else if err := e.projects.StageAsset(ctx, key, project.Asset{Name: name, Data: data}); err != nil {
		return "", err
	}

	st.AddImage(publicPath)
	if err := e.projects.Set(ctx, key, st); err != nil {
		return "", err
	}
	e.logger.Info().Str("key", key).Str("path", publicPath).Bool("staged", !st.HasProject()).Msg("image added")
	return publicPath, nil
}

// Reset deletes the project; usage counters are untouched.
func (e *Engine) Reset(ctx context.Context, key string) error {
	unlock := e.locks.Lock(key)
	defer unlock()
	if err := e.projects.ClearAssets(ctx, key); err != nil {
		return err
	}
	return e.projects.Delete(ctx, key)
}

// Status is a read-only snapshot for status commands.
type Status struct {
	Project          *project.State
	Usage            *usage.Usage
	Limits           usage.Limits
	RemainingSites   int
	RemainingUpdates int
}

// Status returns the project and usage for key. A never-seen key yields an
// empty project.
func (e *Engine) Status(ctx context.Context, key string) (*Status, error) {
	st, _, err := e.projects.GetOrNew(ctx, key)
	if err != nil {
		return nil, err
	}
	u, err := e.ledger.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	sites, updates := e.ledger.Remaining(st, u)
	return &Status{
		Project:          st,
		Usage:            u,
		Limits:           e.ledger.Limits(),
		RemainingSites:   sites,
		RemainingUpdates: updates,
	}, nil
}

// Pages returns the project's pages in navigation order.
func (e *Engine) Pages(ctx context.Context, key string) ([]project.PageContent, error) {
	st, _, err := e.projects.GetOrNew(ctx, key)
	if err != nil {
		return nil, err
	}
	return st.SortedPages(), nil
}

// Blog returns the posts newest first and whether blog routes exist.
func (e *Engine) Blog(ctx context.Context, key string) ([]project.BlogPost, bool, error) {
	st, _, err := e.projects.GetOrNew(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return st.SortedBlogPosts(), st.HasBlog, nil
}

// Apply merges parsed edits into st in a fixed order: pages, page
// deletions, blog posts, blog deletions, legacy HTML, site config. It
// reports whether any edit was applied; an html block is dropped once the
// site has pages.
func Apply(st *project.State, res *parser.Result) bool {
	applied := len(res.Pages) > 0 || len(res.DeletePages) > 0 ||
		len(res.BlogPosts) > 0 || len(res.DeleteBlogPosts) > 0 || res.SiteConfig != nil
	for _, p := range res.Pages {
		st.UpsertPage(p)
		if p.IsHome {
			st.EnsureSingleHome(p.Slug)
		}
	}
	for _, slug := range res.DeletePages {
		st.RemovePage(slug)
	}
	for _, post := range res.BlogPosts {
		st.UpsertBlogPost(post)
	}
	for _, slug := range res.DeleteBlogPosts {
		st.RemoveBlogPost(slug)
	}
	if res.HTML != "" && len(st.Pages) == 0 {
		st.CurrentHTML = res.HTML
		applied = true
	}
	if res.SiteConfig != nil {
		cfg := *res.SiteConfig
		st.SiteConfig = &cfg
		if st.BusinessName == "" {
			st.BusinessName = cfg.SiteName
		}
	}
	return applied
}

func toLLMMessages(history []project.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func deployErrorType(err error) string {
	var timeout *perrors.DeploymentTimeout
	var de *perrors.DeploymentError
	switch {
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &de):
		return de.Stage
	default:
		return "unknown"
	}
}
