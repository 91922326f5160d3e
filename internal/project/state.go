package project

import (
	"regexp"
	"slices"
	"sort"
	"strings"
)

var slugRe = regexp.MustCompile(`[^a-z0-9-]+`)

// GenerateSlug converts a name into a URL-safe slug of at most maxLen bytes.
// Spaces and other disallowed runs become a single hyphen.
func GenerateSlug(name string, maxLen int) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "-")
	// collapse multiple hyphens
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if maxLen > 0 && len(s) > maxLen {
		s = strings.TrimRight(s[:maxLen], "-")
	}
	return s
}

// NewState returns an empty project with every collection initialized.
func NewState() *State {
	s := &State{}
	s.backfill()
	return s
}

// backfill defaults fields missing from records written by older versions.
func (s *State) backfill() {
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if s.Images == nil {
		s.Images = []string{}
	}
	if s.Pages == nil {
		s.Pages = []PageContent{}
	}
	if s.BlogPosts == nil {
		s.BlogPosts = []BlogPost{}
	}
	if s.DeployCount < 0 {
		s.DeployCount = 0
	}
}

// HasProject reports whether a site has been provisioned for this state.
func (s *State) HasProject() bool {
	return s.RepoName != ""
}

// UpsertPage replaces the page with the same slug or appends it.
// It does not enforce a single home page; see EnsureSingleHome.
func (s *State) UpsertPage(page PageContent) {
	for i := range s.Pages {
		if s.Pages[i].Slug == page.Slug {
			s.Pages[i] = page
			return
		}
	}
	s.Pages = append(s.Pages, page)
}

// RemovePage deletes the page with slug and reports whether one existed.
func (s *State) RemovePage(slug string) bool {
	for i := range s.Pages {
		if s.Pages[i].Slug == slug {
			s.Pages = slices.Delete(s.Pages, i, i+1)
			return true
		}
	}
	return false
}

// EnsureSingleHome clears isHome on every page except slug.
func (s *State) EnsureSingleHome(slug string) {
	for i := range s.Pages {
		if s.Pages[i].Slug != slug {
			s.Pages[i].IsHome = false
		}
	}
}

// UpsertBlogPost replaces or appends post. hasBlog becomes true and stays true.
func (s *State) UpsertBlogPost(post BlogPost) {
	s.HasBlog = true
	for i := range s.BlogPosts {
		if s.BlogPosts[i].Slug == post.Slug {
			s.BlogPosts[i] = post
			return
		}
	}
	s.BlogPosts = append(s.BlogPosts, post)
}

// RemoveBlogPost deletes the post with slug and reports whether one existed.
func (s *State) RemoveBlogPost(slug string) bool {
	for i := range s.BlogPosts {
		if s.BlogPosts[i].Slug == slug {
			s.BlogPosts = slices.Delete(s.BlogPosts, i, i+1)
			return true
		}
	}
	return false
}

// AppendMessage adds a history entry and keeps only the newest limit entries.
func (s *State) AppendMessage(role, content string, limit int) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
	if limit > 0 && len(s.Messages) > limit {
		s.Messages = slices.Clone(s.Messages[len(s.Messages)-limit:])
	}
}

// UserMessageCount counts user entries in the history window.
func (s *State) UserMessageCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// AddImage records an uploaded asset path once.
func (s *State) AddImage(path string) {
	if !slices.Contains(s.Images, path) {
		s.Images = append(s.Images, path)
	}
}

// SortedPages returns pages by order; ties keep insertion order.
func (s *State) SortedPages() []PageContent {
	out := slices.Clone(s.Pages)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// HomePage returns the page flagged isHome, else the first page by order.
func (s *State) HomePage() (PageContent, bool) {
	for _, p := range s.Pages {
		if p.IsHome {
			return p, true
		}
	}
	sorted := s.SortedPages()
	if len(sorted) == 0 {
		return PageContent{}, false
	}
	return sorted[0], true
}

// SortedBlogPosts returns posts newest first.
func (s *State) SortedBlogPosts() []BlogPost {
	out := slices.Clone(s.BlogPosts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt.Time) })
	return out
}

// Clone returns a deep copy, so a turn can apply edits without touching
// the last committed state until deployment succeeds.
func (s *State) Clone() *State {
	c := *s
	c.Messages = slices.Clone(s.Messages)
	c.Images = slices.Clone(s.Images)
	c.Pages = slices.Clone(s.Pages)
	c.BlogPosts = slices.Clone(s.BlogPosts)
	for i, p := range c.BlogPosts {
		if p.UpdatedAt != nil {
			u := *p.UpdatedAt
			c.BlogPosts[i].UpdatedAt = &u
		}
	}
	if s.SiteConfig != nil {
		cfg := *s.SiteConfig
		c.SiteConfig = &cfg
	}
	c.backfill()
	return &c
}
