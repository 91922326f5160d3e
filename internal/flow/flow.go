// Package flow classifies conversation turns and composes the system prompt.
package flow

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/chat2site/internal/project"
)

// State is the phase of the conversation a turn belongs to.
type State string

const (
	FirstVisit State = "first-visit"
	Gathering  State = "gathering"
	Building   State = "building"
	Iteration  State = "iteration"
)

// Detect picks the flow state for a turn. A live project always means
// iteration; the first user message is first-visit; a preceding assistant
// question means gathering; anything else is building.
func Detect(hasProject bool, userMessageCount int, lastAssistantAskedQuestion bool) State {
	switch {
	case hasProject:
		return Iteration
	case userMessageCount == 1:
		return FirstVisit
	case lastAssistantAskedQuestion:
		return Gathering
	default:
		return Building
	}
}

// DetectFor derives Detect's inputs from a project state.
func DetectFor(st *project.State) State {
	return Detect(st.HasProject(), st.UserMessageCount(), LastAssistantAskedQuestion(st.Messages))
}

// LastAssistantAskedQuestion reports whether the newest assistant message
// contains a question mark.
func LastAssistantAskedQuestion(messages []project.Message) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == project.RoleAssistant {
			return strings.Contains(messages[i].Content, "?")
		}
	}
	return false
}

//go:embed prompts.yaml
var embeddedPrompts []byte

// Catalog loads prompt fragments once and serves them by name.
type Catalog struct {
	source []byte

	mu        sync.Mutex
	loaded    bool
	fragments map[string]string
	err       error
}

// NewCatalog returns a catalog over YAML source. A nil source uses the
// fragments compiled into the binary.
func NewCatalog(source []byte) *Catalog {
	if source == nil {
		source = embeddedPrompts
	}
	return &Catalog{source: source}
}

// load returns the decoded fragments, decoding them on first use. The map
// is never mutated after load, so callers may read it without the lock.
func (c *Catalog) load() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		c.fragments, c.err = decodeFragments(c.source)
		c.loaded = true
	}
	return c.fragments, c.err
}

func decodeFragments(source []byte) (map[string]string, error) {
	var m map[string]string
	if err := yaml.Unmarshal(source, &m); err != nil {
		return nil, fmt.Errorf("decoding prompt fragments: %w", err)
	}
	for _, name := range requiredFragments {
		if strings.TrimSpace(m[name]) == "" {
			return nil, fmt.Errorf("prompt fragment %q missing", name)
		}
	}
	return m, nil
}

// Reset drops the loaded fragments so the next call reloads them. Safe to
// call while other goroutines build prompts.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.fragments = nil
	c.err = nil
}

// Validate loads the catalog and reports any problem with it.
func (c *Catalog) Validate() error {
	_, err := c.load()
	return err
}

var requiredFragments = []string{"base", "first-visit", "gathering", "building", "iteration", "edge-cases"}

var fragmentsByState = map[State][]string{
	FirstVisit: {"first-visit", "gathering"},
	Gathering:  {"gathering", "building"},
	Building:   {"building"},
	Iteration:  {"iteration", "building"},
}

// BuildSystemPrompt composes base + state fragments + edge cases, then, for
// iteration, the current site as context, then the uploaded image list.
func (c *Catalog) BuildSystemPrompt(state State, st *project.State) (string, error) {
	fragments, err := c.load()
	if err != nil {
		return "", err
	}
	get := func(name string) string { return strings.TrimSpace(fragments[name]) }

	parts := []string{get("base")}
	for _, name := range fragmentsByState[state] {
		parts = append(parts, get(name))
	}
	parts = append(parts, get("edge-cases"))

	if state == Iteration && st != nil {
		if ctx := siteContext(st); ctx != "" {
			parts = append(parts, ctx)
		}
	}
	if st != nil && len(st.Images) > 0 {
		parts = append(parts, imagesContext(st.Images))
	}
	return strings.Join(parts, "\n\n"), nil
}

func siteContext(st *project.State) string {
	var b strings.Builder
	if st.SiteConfig != nil {
		fmt.Fprintf(&b, "CURRENT SITE CONFIG:\nsiteName: %s\ndescription: %s\nprimaryColor: %s\nfontFamily: %s\nnavStyle: %s\n\n",
			st.SiteConfig.SiteName, st.SiteConfig.Description, st.SiteConfig.PrimaryColor,
			st.SiteConfig.FontFamily, st.SiteConfig.NavStyle)
	}

	if len(st.Pages) > 0 {
		b.WriteString("CURRENT PAGES:\n")
		for _, p := range st.SortedPages() {
			home := ""
			if p.IsHome {
				home = " (home)"
			}
			fmt.Fprintf(&b, "\n--- %s: %q order %d%s ---\n%s\n", p.Slug, p.Title, p.Order, home, p.Content)
		}
		b.WriteString("\n")
	} else if st.CurrentHTML != "" {
		fmt.Fprintf(&b, "CURRENT WEBSITE HTML:\n```\n%s\n```\n\n", st.CurrentHTML)
	}

	if len(st.BlogPosts) > 0 {
		b.WriteString("CURRENT BLOG POSTS:\n")
		for _, p := range st.SortedBlogPosts() {
			fmt.Fprintf(&b, "- %s: %q (%s)\n", p.Slug, p.Title, p.PublishedAt.Format("2006-01-02"))
		}
	}
	return strings.TrimSpace(b.String())
}

func imagesContext(images []string) string {
	var b strings.Builder
	b.WriteString("AVAILABLE IMAGES:\nThe user has uploaded these images. Use them with <img> tags; paths are relative to the site root.\n")
	for _, img := range images {
		b.WriteString("- " + img + "\n")
	}
	b.WriteString("\nUse them where they fit (hero, gallery, about) with descriptive alt text.")
	return b.String()
}
