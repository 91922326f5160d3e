// Package parser extracts structured site edits from a model reply.
//
// A reply is free text with zero or more fenced blocks:
//
//	```page           {"slug","title","content","isHome","order"}
//	```blogpost       {"slug","title","description","content","publishedAt"}
//	```deletepage     {"slug"} or "slug"
//	```deleteblogpost {"slug"} or "slug"
//	```siteconfig     {"siteName","description","primaryColor","fontFamily","navStyle"}
//	```html           raw document (legacy single-page mode)
//
// A block that fails to decode or validate is skipped; the rest still apply.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/chat2site/internal/project"
)

// Block tags.
const (
	TagPage           = "page"
	TagBlogPost       = "blogpost"
	TagDeletePage     = "deletepage"
	TagDeleteBlogPost = "deleteblogpost"
	TagSiteConfig     = "siteconfig"
	TagHTML           = "html"
)

const maxSlugLen = 60

var (
	blockRe     = regexp.MustCompile("(?s)```(page|blogpost|deletepage|deleteblogpost|siteconfig|html)[ \t]*\r?\n(.*?)```")
	blankRunsRe = regexp.MustCompile(`\n{3,}`)

	errMissingField = errors.New("missing required field")
)

// Skipped describes a block that was recognized but not applied.
type Skipped struct {
	Tag string
	Err error
}

// Result is everything extracted from one reply. Slices hold at most one
// entry per slug; when a slug repeats, the later block wins.
type Result struct {
	Pages           []project.PageContent
	BlogPosts       []project.BlogPost
	DeletePages     []string
	DeleteBlogPosts []string
	SiteConfig      *project.SiteConfig
	HTML            string
	DisplayText     string
	Skipped         []Skipped
}

// HasStructuredContent reports whether the reply carries any edit.
func (r *Result) HasStructuredContent() bool {
	return len(r.Pages) > 0 ||
		len(r.BlogPosts) > 0 ||
		len(r.DeletePages) > 0 ||
		len(r.DeleteBlogPosts) > 0 ||
		r.SiteConfig != nil ||
		r.HTML != ""
}

// Parser is stateless apart from its logger and clock.
type Parser struct {
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock overrides the time source used for missing publishedAt values.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// New creates a parser.
func New(logger zerolog.Logger, opts ...Option) *Parser {
	p := &Parser{
		logger: logger.With().Str("component", "parser").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse extracts every recognized block from text. It never fails.
func (p *Parser) Parse(text string) *Result {
	res := &Result{}

	for _, m := range blockRe.FindAllStringSubmatch(text, -1) {
		tag, body := m[1], strings.TrimSpace(m[2])
		if err := p.apply(res, tag, body); err != nil {
			p.logger.Warn().Err(err).Str("tag", tag).Int("bytes", len(body)).Msg("skipping malformed block")
			res.Skipped = append(res.Skipped, Skipped{Tag: tag, Err: err})
		}
	}

	display := blockRe.ReplaceAllString(text, "")
	display = blankRunsRe.ReplaceAllString(display, "\n\n")
	res.DisplayText = strings.TrimSpace(display)
	return res
}

func (p *Parser) apply(res *Result, tag, body string) error {
	switch tag {
	case TagPage:
		page, err := decodePage(body)
		if err != nil {
			return err
		}
		res.Pages = upsertBySlug(res.Pages, page, func(pc project.PageContent) string { return pc.Slug })
	case TagBlogPost:
		post, err := decodeBlogPost(body, p.now)
		if err != nil {
			return err
		}
		res.BlogPosts = upsertBySlug(res.BlogPosts, post, func(bp project.BlogPost) string { return bp.Slug })
	case TagDeletePage:
		slug, err := decodeDeletion(body)
		if err != nil {
			return err
		}
		res.DeletePages = upsertBySlug(res.DeletePages, slug, func(s string) string { return s })
	case TagDeleteBlogPost:
		slug, err := decodeDeletion(body)
		if err != nil {
			return err
		}
		res.DeleteBlogPosts = upsertBySlug(res.DeleteBlogPosts, slug, func(s string) string { return s })
	case TagSiteConfig:
		cfg, err := decodeSiteConfig(body)
		if err != nil {
			return err
		}
		res.SiteConfig = cfg
	case TagHTML:
		if body == "" {
			return fmt.Errorf("empty html block: %w", errMissingField)
		}
		res.HTML = body
	}
	return nil
}

func upsertBySlug[T any](items []T, item T, slug func(T) string) []T {
	for i := range items {
		if slug(items[i]) == slug(item) {
			items[i] = item
			return items
		}
	}
	return append(items, item)
}

func normalizeSlug(raw string) (string, error) {
	slug := project.GenerateSlug(raw, maxSlugLen)
	if slug == "" {
		return "", fmt.Errorf("slug %q: %w", raw, errMissingField)
	}
	return slug, nil
}

type pageBlock struct {
	Slug    string `json:"slug"`
	Title   string `json:"title"`
	Content string `json:"content"`
	IsHome  bool   `json:"isHome"`
	Order   int    `json:"order"`
}

func decodePage(body string) (project.PageContent, error) {
	var b pageBlock
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return project.PageContent{}, fmt.Errorf("decoding page: %w", err)
	}
	slug, err := normalizeSlug(b.Slug)
	if err != nil {
		return project.PageContent{}, err
	}
	if strings.TrimSpace(b.Title) == "" || strings.TrimSpace(b.Content) == "" {
		return project.PageContent{}, fmt.Errorf("page %s needs title and content: %w", slug, errMissingField)
	}
	return project.PageContent{
		Slug:    slug,
		Title:   strings.TrimSpace(b.Title),
		Content: b.Content,
		IsHome:  b.IsHome,
		Order:   b.Order,
	}, nil
}

type blogPostBlock struct {
	Slug        string             `json:"slug"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Content     string             `json:"content"`
	PublishedAt project.Timestamp  `json:"publishedAt"`
	UpdatedAt   *project.Timestamp `json:"updatedAt"`
}

func decodeBlogPost(body string, now func() time.Time) (project.BlogPost, error) {
	var b blogPostBlock
	if err := json.Unmarshal([]byte(body), &b); err != nil {
		return project.BlogPost{}, fmt.Errorf("decoding blogpost: %w", err)
	}
	slug, err := normalizeSlug(b.Slug)
	if err != nil {
		return project.BlogPost{}, err
	}
	if strings.TrimSpace(b.Title) == "" || strings.TrimSpace(b.Content) == "" {
		return project.BlogPost{}, fmt.Errorf("blogpost %s needs title and content: %w", slug, errMissingField)
	}
	if b.PublishedAt.IsZero() {
		b.PublishedAt = project.NewTimestamp(now())
	}
	if b.UpdatedAt != nil && b.UpdatedAt.IsZero() {
		b.UpdatedAt = nil
	}
	return project.BlogPost{
		Slug:        slug,
		Title:       strings.TrimSpace(b.Title),
		Description: strings.TrimSpace(b.Description),
		Content:     b.Content,
		PublishedAt: b.PublishedAt,
		UpdatedAt:   b.UpdatedAt,
	}, nil
}

func decodeDeletion(body string) (string, error) {
	var asString string
	if err := json.Unmarshal([]byte(body), &asString); err == nil {
		return normalizeSlug(asString)
	}

	var b struct {
		Slug string `json:"slug"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return "", fmt.Errorf("decoding deletion: %w", err)
	}
	return normalizeSlug(b.Slug)
}

var navStyles = map[string]bool{"horizontal": true, "hamburger": true}

func decodeSiteConfig(body string) (*project.SiteConfig, error) {
	var cfg project.SiteConfig
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return nil, fmt.Errorf("decoding siteconfig: %w", err)
	}
	cfg.SiteName = strings.TrimSpace(cfg.SiteName)
	if cfg.SiteName == "" {
		return nil, fmt.Errorf("siteconfig needs siteName: %w", errMissingField)
	}
	if !navStyles[cfg.NavStyle] {
		cfg.NavStyle = "horizontal"
	}
	return &cfg, nil
}
