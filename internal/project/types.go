package project

import (
	"encoding/json"
	"strings"
	"time"
)

// Role of a chat history entry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PageContent is one page of a multi-page site. Content is an HTML fragment.
type PageContent struct {
	Slug    string `json:"slug"`
	Title   string `json:"title"`
	Content string `json:"content"`
	IsHome  bool   `json:"isHome,omitempty"`
	Order   int    `json:"order"`
}

// BlogPost is a Markdown article rendered under /blog.
type BlogPost struct {
	Slug        string     `json:"slug"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Content     string     `json:"content"`
	PublishedAt Timestamp  `json:"publishedAt"`
	UpdatedAt   *Timestamp `json:"updatedAt,omitempty"`
}

// SiteConfig holds site-wide settings used for layout and navigation.
type SiteConfig struct {
	SiteName     string `json:"siteName"`
	Description  string `json:"description"`
	PrimaryColor string `json:"primaryColor"`
	FontFamily   string `json:"fontFamily"`
	NavStyle     string `json:"navStyle"` // horizontal | hamburger
}

// State is everything persisted for one conversation.
type State struct {
	RepoName     string        `json:"repoName"`
	BusinessName string        `json:"businessName,omitempty"`
	CurrentHTML  string        `json:"currentHtml"`
	DeployURL    string        `json:"deployUrl"`
	Messages     []Message     `json:"messages"`
	DeployCount  int           `json:"deployCount"`
	Images       []string      `json:"images"`
	Pages        []PageContent `json:"pages"`
	SiteConfig   *SiteConfig   `json:"siteConfig"`
	BlogPosts    []BlogPost    `json:"blogPosts"`
	HasBlog      bool          `json:"hasBlog"`
}

// Timestamp is a time that decodes from RFC 3339 or a bare date, since
// model output and older records use both.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// UnmarshalJSON accepts a string in any of timestampLayouts, or null.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// MarshalJSON writes RFC 3339 in UTC.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}
