package deploy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"rsc.io/markdown"

	"github.com/p-blackswan/chat2site/internal/project"
)

// File is one generated source file.
type File struct {
	Path    string
	Content string
}

const (
	defaultPrimaryColor = "#2563eb"
	defaultFontFamily   = "system-ui, -apple-system, 'Segoe UI', sans-serif"
	navHamburger        = "hamburger"
	appDir              = "src/app/"
)

var (
	cssColorRe = regexp.MustCompile(`^(#[0-9a-fA-F]{3,8}|[a-zA-Z]{3,20}|(rgb|rgba|hsl|hsla)\([0-9.,%\s]+\))$`)
	cssFontRe  = regexp.MustCompile(`^[a-zA-Z0-9 ,'"-]{1,120}$`)
)

// Scaffold renders the full Next.js project for st. Files are sorted by path.
// A state without pages renders the legacy single-document site from CurrentHTML.
func Scaffold(repoName string, st *project.State) []File {
	files := []File{
		{Path: "package.json", Content: packageJSON(repoName)},
		{Path: "tsconfig.json", Content: tsconfigJSON},
		{Path: "next.config.js", Content: nextConfig},
	}

	if len(st.Pages) == 0 {
		files = append(files,
			File{Path: appDir + "layout.tsx", Content: legacyLayout(repoName)},
			File{Path: appDir + "page.tsx", Content: htmlPage("Home", "", st.CurrentHTML)},
		)
		return sortFiles(files)
	}

	cfg := resolveSiteConfig(repoName, st)
	files = append(files,
		File{Path: appDir + "layout.tsx", Content: layout(cfg, navItems(st))},
		File{Path: appDir + "globals.css", Content: globalsCSS(cfg)},
	)

	home, _ := st.HomePage()
	for _, p := range st.SortedPages() {
		if p.Slug == home.Slug {
			files = append(files, File{Path: appDir + "page.tsx", Content: htmlPage("Home", cfg.SiteName, p.Content)})
			continue
		}
		if st.HasBlog && p.Slug == "blog" {
			continue
		}
		files = append(files, File{Path: PagePath(p.Slug), Content: htmlPage(componentName(p.Slug), p.Title, p.Content)})
	}

	if st.HasBlog {
		posts := st.SortedBlogPosts()
		files = append(files, File{Path: appDir + "blog/page.tsx", Content: blogIndex(posts)})
		for _, post := range posts {
			files = append(files, File{Path: BlogPostPath(post.Slug), Content: blogPostPage(post)})
		}
	}
	return sortFiles(files)
}

// PagePath is the source file of a non-home page.
func PagePath(slug string) string { return appDir + slug + "/page.tsx" }

// BlogPostPath is the source file of a blog post.
func BlogPostPath(slug string) string { return appDir + "blog/" + slug + "/page.tsx" }

// HomePagePath is the source file of the home page.
const HomePagePath = appDir + "page.tsx"

// Managed reports whether path is a generated route file that may be
// deleted when its page or post disappears.
func Managed(path string) bool {
	return path != HomePagePath && strings.HasPrefix(path, appDir) && strings.HasSuffix(path, "/page.tsx")
}

// EscapeTemplateLiteral makes s safe inside a JavaScript template literal.
func EscapeTemplateLiteral(s string) string {
	return templateEscaper.Replace(s)
}

var templateEscaper = strings.NewReplacer(`\`, `\\`, "`", "\\`", "$", `\$`)

func sortFiles(files []File) []File {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func resolveSiteConfig(repoName string, st *project.State) project.SiteConfig {
	var cfg project.SiteConfig
	if st.SiteConfig != nil {
		cfg = *st.SiteConfig
	}
	if cfg.SiteName == "" {
		cfg.SiteName = st.BusinessName
	}
	if cfg.SiteName == "" {
		if home, ok := st.HomePage(); ok && home.Title != "" && !strings.EqualFold(home.Title, "home") {
			cfg.SiteName = home.Title
		} else {
			cfg.SiteName = repoName
		}
	}
	if !cssColorRe.MatchString(cfg.PrimaryColor) {
		cfg.PrimaryColor = defaultPrimaryColor
	}
	if !cssFontRe.MatchString(cfg.FontFamily) {
		cfg.FontFamily = defaultFontFamily
	}
	if cfg.NavStyle != navHamburger {
		cfg.NavStyle = "horizontal"
	}
	return cfg
}

type navItem struct {
	Href  string `json:"href"`
	Label string `json:"label"`
}

func navItems(st *project.State) []navItem {
	home, _ := st.HomePage()
	var items []navItem
	for _, p := range st.SortedPages() {
		if p.Slug == home.Slug {
			items = append([]navItem{{Href: "/", Label: orDefault(p.Title, "Home")}}, items...)
			continue
		}
		if st.HasBlog && p.Slug == "blog" {
			continue
		}
		items = append(items, navItem{Href: "/" + p.Slug, Label: orDefault(p.Title, p.Slug)})
	}
	if st.HasBlog {
		items = append(items, navItem{Href: "/blog", Label: "Blog"})
	}
	return items
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// componentName turns a slug into a React component identifier.
func componentName(slug string) string {
	var b strings.Builder
	for _, part := range strings.Split(slug, "-") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "Page" + name
	}
	return name + "Page"
}

func packageJSON(repoName string) string {
	pkg := map[string]any{
		"name":    repoName,
		"version": "0.1.0",
		"private": true,
		"scripts": map[string]string{
			"dev":   "next dev",
			"build": "next build",
			"start": "next start",
		},
		"dependencies": map[string]string{
			"next":      "^14.0.0",
			"react":     "^18.2.0",
			"react-dom": "^18.2.0",
		},
		"devDependencies": map[string]string{
			"typescript":   "^5.4.0",
			"@types/node":  "^20.12.0",
			"@types/react": "^18.3.0",
		},
	}
	b, _ := json.MarshalIndent(pkg, "", "  ")
	return string(b) + "\n"
}

const tsconfigJSON = `{
  "compilerOptions": {
    "target": "es5",
    "lib": ["dom", "dom.iterable", "esnext"],
    "allowJs": true,
    "skipLibCheck": true,
    "strict": false,
    "noEmit": true,
    "esModuleInterop": true,
    "module": "esnext",
    "moduleResolution": "bundler",
    "resolveJsonModule": true,
    "isolatedModules": true,
    "jsx": "preserve",
    "incremental": true,
    "plugins": [{ "name": "next" }],
    "paths": { "@/*": ["./src/*"] }
  },
  "include": ["next-env.d.ts", "**/*.ts", "**/*.tsx", ".next/types/**/*.ts"],
  "exclude": ["node_modules"]
}
`

const nextConfig = `/** @type {import('next').NextConfig} */
const nextConfig = {};
module.exports = nextConfig;
`

func legacyLayout(repoName string) string {
	return fmt.Sprintf(`export const metadata = { title: %s };

export default function RootLayout({ children }: { children: React.ReactNode }) {
  return <html lang="en"><body>{children}</body></html>;
}
`, jsString(repoName))
}

func layout(cfg project.SiteConfig, nav []navItem) string {
	navJSON, _ := json.Marshal(nav)
	links := `{nav.map((item) => (
              <a key={item.href} href={item.href}>{item.label}</a>
            ))}`
	var navMarkup string
	if cfg.NavStyle == navHamburger {
		navMarkup = `<details className="site-nav site-nav--hamburger">
            <summary aria-label="Menu">☰</summary>
            ` + links + `
          </details>`
	} else {
		navMarkup = `<nav className="site-nav">
            ` + links + `
          </nav>`
	}
	return fmt.Sprintf(`import './globals.css';

export const metadata = { title: %s, description: %s };

const nav: { href: string; label: string }[] = %s;

export default function RootLayout({ children }: { children: React.ReactNode }) {
  return (
    <html lang="en">
      <body>
        <header className="site-header">
          <a href="/" className="site-name">%s</a>
          %s
        </header>
        <main>{children}</main>
        <footer className="site-footer">© {new Date().getFullYear()} {metadata.title}</footer>
      </body>
    </html>
  );
}
`, jsString(cfg.SiteName), jsString(cfg.Description), navJSON, "{metadata.title}", navMarkup)
}

func globalsCSS(cfg project.SiteConfig) string {
	return fmt.Sprintf(`:root {
  --primary: %s;
  --font: %s;
}

* { box-sizing: border-box; }

body {
  margin: 0;
  font-family: var(--font);
  color: #111827;
  line-height: 1.6;
}

a { color: var(--primary); }

.site-header {
  display: flex;
  align-items: center;
  justify-content: space-between;
  padding: 1rem 1.5rem;
  border-bottom: 1px solid #e5e7eb;
}

.site-name { font-weight: 700; text-decoration: none; }

.site-nav { display: flex; gap: 1rem; }
.site-nav a { text-decoration: none; }

.site-nav--hamburger { position: relative; flex-direction: column; }
.site-nav--hamburger summary { cursor: pointer; list-style: none; font-size: 1.5rem; }
.site-nav--hamburger[open] a { display: block; padding: 0.25rem 0; }

main { min-height: 70vh; }

.site-footer {
  padding: 2rem 1.5rem;
  text-align: center;
  color: #6b7280;
  border-top: 1px solid #e5e7eb;
}

.blog { max-width: 48rem; margin: 0 auto; padding: 2rem 1.5rem; }
.blog-post time { color: #6b7280; font-size: 0.875rem; }
`, cfg.PrimaryColor, cfg.FontFamily)
}

func htmlPage(component, title, html string) string {
	var meta string
	if title != "" {
		meta = fmt.Sprintf("export const metadata = { title: %s };\n\n", jsString(title))
	}
	return fmt.Sprintf("%sconst html = `%s`;\n\nexport default function %s() {\n  return <div dangerouslySetInnerHTML={{ __html: html }} />;\n}\n",
		meta, EscapeTemplateLiteral(html), component)
}

type postSummary struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
}

func blogIndex(posts []project.BlogPost) string {
	summaries := make([]postSummary, 0, len(posts))
	for _, p := range posts {
		summaries = append(summaries, postSummary{Slug: p.Slug, Title: p.Title, Description: p.Description, Date: formatDate(p.PublishedAt)})
	}
	data, _ := json.MarshalIndent(summaries, "", "  ")
	return fmt.Sprintf(`export const metadata = { title: "Blog" };

const posts: { slug: string; title: string; description: string; date: string }[] = %s;

export default function BlogIndex() {
  return (
    <section className="blog">
      <h1>Blog</h1>
      {posts.length === 0 && <p>No posts yet.</p>}
      {posts.map((post) => (
        <article key={post.slug} className="blog-post">
          <h2><a href={"/blog/" + post.slug}>{post.title}</a></h2>
          {post.date && <time>{post.date}</time>}
          {post.description && <p>{post.description}</p>}
        </article>
      ))}
    </section>
  );
}
`, data)
}

var mdParser = &markdown.Parser{
	Strikethrough: true,
	AutoLinkText:  true,
	Table:         true,
	SmartDash:     true,
	SmartQuote:    true,
}

// RenderMarkdown converts a blog post body to HTML.
func RenderMarkdown(src string) string {
	return markdown.ToHTML(mdParser.Parse(src))
}

func blogPostPage(post project.BlogPost) string {
	body := fmt.Sprintf("<article class=\"blog blog-post\"><h1>%s</h1>", htmlEscaper.Replace(post.Title))
	if d := formatDate(post.PublishedAt); d != "" {
		body += fmt.Sprintf("<time datetime=\"%s\">%s</time>", d, d)
	}
	body += RenderMarkdown(post.Content) + "</article>"

	return fmt.Sprintf("export const metadata = { title: %s, description: %s };\n\nconst html = `%s`;\n\nexport default function %s() {\n  return <div dangerouslySetInnerHTML={{ __html: html }} />;\n}\n",
		jsString(post.Title), jsString(post.Description), EscapeTemplateLiteral(body), "Post"+componentName(post.Slug))
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func formatDate(t project.Timestamp) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
