package deploy

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/chat2site/internal/project"
)

func paths(files []File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}

func fileContent(t *testing.T, files []File, path string) string {
	t.Helper()
	for _, f := range files {
		if f.Path == path {
			return f.Content
		}
	}
	t.Fatalf("file %s not rendered", path)
	return ""
}

func multiPageState() *project.State {
	st := project.NewState()
	st.BusinessName = "Sunny Bakery"
	st.Pages = []project.PageContent{
		{Slug: "home", Title: "Home", Content: "<h1>Welcome</h1>", IsHome: true, Order: 0},
		{Slug: "about", Title: "About Us", Content: "<p>Since 1990</p>", Order: 1},
		{Slug: "contact", Title: "Contact", Content: "<p>Call us</p>", Order: 2},
	}
	return st
}

func TestScaffold_Legacy(t *testing.T) {
	st := project.NewState()
	st.CurrentHTML = "<h1>Hi `there` ${name}</h1>"

	files := Scaffold("site-abc", st)

	want := []string{"next.config.js", "package.json", "src/app/layout.tsx", "src/app/page.tsx", "tsconfig.json"}
	if diff := cmp.Diff(want, paths(files)); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
	page := fileContent(t, files, HomePagePath)
	assert.Contains(t, page, "<h1>Hi \\`there\\` \\${name}</h1>")
	assert.Contains(t, page, "export default function Home()")
	assert.NotContains(t, fileContent(t, files, "src/app/layout.tsx"), "globals.css")
}

func TestScaffold_MultiPage(t *testing.T) {
	files := Scaffold("sunny-bakery-1a2b3c4d", multiPageState())

	want := []string{
		"next.config.js",
		"package.json",
		"src/app/about/page.tsx",
		"src/app/contact/page.tsx",
		"src/app/globals.css",
		"src/app/layout.tsx",
		"src/app/page.tsx",
		"tsconfig.json",
	}
	if diff := cmp.Diff(want, paths(files)); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}

	layout := fileContent(t, files, "src/app/layout.tsx")
	assert.Contains(t, layout, `title: "Sunny Bakery"`)
	assert.Contains(t, layout, `[{"href":"/","label":"Home"},{"href":"/about","label":"About Us"},{"href":"/contact","label":"Contact"}]`)
	assert.Contains(t, layout, `<nav className="site-nav">`)

	about := fileContent(t, files, "src/app/about/page.tsx")
	assert.Contains(t, about, "export default function AboutPage()")
	assert.Contains(t, about, `title: "About Us"`)

	css := fileContent(t, files, "src/app/globals.css")
	assert.Contains(t, css, "--primary: #2563eb;")
}

func TestScaffold_SiteConfig(t *testing.T) {
	st := multiPageState()
	st.SiteConfig = &project.SiteConfig{
		SiteName:     "Sunny",
		PrimaryColor: "#ff6600",
		FontFamily:   "Georgia, serif",
		NavStyle:     "hamburger",
	}
	files := Scaffold("sunny", st)

	layout := fileContent(t, files, "src/app/layout.tsx")
	assert.Contains(t, layout, `title: "Sunny"`)
	assert.Contains(t, layout, "site-nav--hamburger")
	assert.NotContains(t, layout, `<nav className="site-nav">`)

	css := fileContent(t, files, "src/app/globals.css")
	assert.Contains(t, css, "--primary: #ff6600;")
	assert.Contains(t, css, "--font: Georgia, serif;")
}

func TestScaffold_RejectsUnsafeCSS(t *testing.T) {
	st := multiPageState()
	st.SiteConfig = &project.SiteConfig{
		PrimaryColor: "red; } body { display:none",
		FontFamily:   "x; } * { color: red",
	}
	css := fileContent(t, Scaffold("sunny", st), "src/app/globals.css")
	assert.Contains(t, css, "--primary: "+defaultPrimaryColor+";")
	assert.Contains(t, css, "--font: "+defaultFontFamily+";")
}

func TestScaffold_Blog(t *testing.T) {
	st := multiPageState()
	st.HasBlog = true
	st.Pages = append(st.Pages, project.PageContent{Slug: "blog", Title: "Blog", Order: 3})
	st.BlogPosts = []project.BlogPost{
		{
			Slug:        "fresh-bread",
			Title:       "Fresh <Bread>",
			Description: "Why we bake daily",
			Content:     "# Daily\n\nWe bake **every** morning.",
			PublishedAt: project.NewTimestamp(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		},
	}

	files := Scaffold("sunny", st)
	got := paths(files)
	assert.Contains(t, got, "src/app/blog/page.tsx")
	assert.Contains(t, got, "src/app/blog/fresh-bread/page.tsx")

	layout := fileContent(t, files, "src/app/layout.tsx")
	assert.Equal(t, 1, strings.Count(layout, `"href":"/blog"`))

	index := fileContent(t, files, "src/app/blog/page.tsx")
	assert.Contains(t, index, `"slug": "fresh-bread"`)
	assert.Contains(t, index, `"date": "2024-05-01"`)

	post := fileContent(t, files, BlogPostPath("fresh-bread"))
	assert.Contains(t, post, "<h1>Fresh &lt;Bread&gt;</h1>")
	assert.Contains(t, post, "<strong>every</strong>")
	assert.Contains(t, post, `<time datetime="2024-05-01">`)
	assert.Contains(t, post, "export default function PostFreshBreadPage()")
}

func TestScaffold_PackageJSON(t *testing.T) {
	files := Scaffold("my-site", project.NewState())

	var pkg struct {
		Name         string            `json:"name"`
		Scripts      map[string]string `json:"scripts"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal([]byte(fileContent(t, files, "package.json")), &pkg))
	assert.Equal(t, "my-site", pkg.Name)
	assert.Equal(t, "next build", pkg.Scripts["build"])
	assert.Contains(t, pkg.Dependencies, "next")
	assert.Contains(t, pkg.Dependencies, "react")
	assert.Contains(t, pkg.Dependencies, "react-dom")
}

func TestScaffold_SiteNameFallbacks(t *testing.T) {
	st := project.NewState()
	st.Pages = []project.PageContent{{Slug: "home", Title: "Home", IsHome: true}}
	assert.Equal(t, "repo-name", resolveSiteConfig("repo-name", st).SiteName)

	st.Pages[0].Title = "Green Garden"
	assert.Equal(t, "Green Garden", resolveSiteConfig("repo-name", st).SiteName)

	st.BusinessName = "Acme"
	assert.Equal(t, "Acme", resolveSiteConfig("repo-name", st).SiteName)
}

func TestManaged(t *testing.T) {
	assert.True(t, Managed("src/app/about/page.tsx"))
	assert.True(t, Managed("src/app/blog/post/page.tsx"))
	assert.False(t, Managed("src/app/page.tsx"))
	assert.False(t, Managed("src/app/layout.tsx"))
	assert.False(t, Managed("public/images/a.jpg"))
}

func TestComponentName(t *testing.T) {
	assert.Equal(t, "AboutUsPage", componentName("about-us"))
	assert.Equal(t, "Page404Page", componentName("404"))
}

func TestEscapeTemplateLiteral(t *testing.T) {
	assert.Equal(t, "a\\`b\\${c}\\\\d", EscapeTemplateLiteral("a`b${c}\\d"))
}
