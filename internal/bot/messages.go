package bot

import (
	"fmt"
	"html"
	"strings"

	"github.com/p-blackswan/chat2site/internal/chat"
	"github.com/p-blackswan/chat2site/internal/project"
)

const (
	msgWelcome = "👋 <b>Welcome to Chat to Website!</b>\n\n" +
		"Tell me what website you want and I'll build and deploy it for you.\n\n" +
		"Just describe it, e.g. \"A portfolio site for a photographer with a dark theme\"\n\n" +
		"You can also send photos to use on your site, or voice messages.\n\n" +
		"Commands:\n" +
		"/new - Start a new website (fresh project)\n" +
		"/status - Check your current project\n" +
		"/pages - List your site's pages\n" +
		"/blog - List your blog posts\n" +
		"/buy - Get extra sites or updates"
	msgFreshStart    = "🆕 Fresh start! Describe the website you want to build."
	msgBuilding      = "🔨 Building your website..."
	msgGenericError  = "❌ Something went wrong. Please try again."
	msgDeployFailed  = "❌ Deployment failed. Your previous site is unchanged. Please try again."
	msgDeployTimeout = "⏳ The deployment is taking longer than expected. Please check back in a minute."
	msgPaymentFailed = "❌ We received your payment but could not apply it. Support has been notified."
	msgVoiceDisabled = "🎤 Voice messages aren't available right now. Please type your message."
	msgNoSpeech      = "🎤 I couldn't hear anything in that voice message. Please try again."
)

func statusText(s *chat.Status) string {
	st := s.Project
	if st.DeployURL == "" {
		return fmt.Sprintf("No active project. Describe a website to get started!\n\n🏗️ Free sites remaining: %d", s.RemainingSites)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Your current project:</b>\n\n🌐 %s\n", st.DeployURL)
	fmt.Fprintf(&b, "📝 Updates used: %d/%d\n", st.DeployCount, s.Limits.FreeUpdates+s.Usage.ExtraUpdates)
	fmt.Fprintf(&b, "🏗️ Sites created: %d/%d\n", s.Usage.SitesCreated, s.Limits.FreeSites+s.Usage.ExtraSites)
	if n := len(st.Pages); n > 0 {
		fmt.Fprintf(&b, "📄 Pages: %d\n", n)
	}
	if st.HasBlog {
		fmt.Fprintf(&b, "✍️ Blog posts: %d\n", len(st.BlogPosts))
	}
	b.WriteString("\nSend a message to make changes, or /new to start fresh.")
	return b.String()
}

func pagesText(pages []project.PageContent) string {
	if len(pages) == 0 {
		return "No pages yet. Describe your website and I'll build it."
	}
	var b strings.Builder
	b.WriteString("📄 <b>Your pages:</b>\n")
	for i, p := range pages {
		route := "/" + p.Slug
		if p.IsHome {
			route = "/"
		}
		fmt.Fprintf(&b, "\n%d. %s <code>%s</code>", i+1, html.EscapeString(p.Title), route)
	}
	b.WriteString("\n\nAsk me to add, edit or remove a page.")
	return b.String()
}

func blogText(posts []project.BlogPost, hasBlog bool) string {
	if len(posts) == 0 {
		if hasBlog {
			return "Your blog is empty. Ask me to write a post!"
		}
		return "No blog yet. Ask me to write a blog post and I'll add a blog to your site."
	}
	var b strings.Builder
	b.WriteString("✍️ <b>Your blog posts:</b>\n")
	for _, p := range posts {
		fmt.Fprintf(&b, "\n• %s <code>/blog/%s</code>", html.EscapeString(p.Title), p.Slug)
		if !p.PublishedAt.IsZero() {
			fmt.Fprintf(&b, " (%s)", p.PublishedAt.Format("Jan 2, 2006"))
		}
	}
	return b.String()
}
