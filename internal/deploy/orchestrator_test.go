package deploy

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
	"github.com/p-blackswan/chat2site/internal/metrics"
	"github.com/p-blackswan/chat2site/internal/project"
	"github.com/p-blackswan/chat2site/internal/retry"
	"github.com/p-blackswan/chat2site/internal/vercel"
)

type fakeRepos struct {
	mu          sync.Mutex
	repos       map[string]map[string]string
	visibleIn   int // RepoExists calls before a new repo is visible
	existsCalls int
	puts        []string
	deletes     []string
	createErr   error
	putErr      error
}

func newFakeRepos() *fakeRepos {
	return &fakeRepos{repos: map[string]map[string]string{}}
}

func (f *fakeRepos) Owner(context.Context) (string, error) { return "acme", nil }

func (f *fakeRepos) CreateRepo(_ context.Context, name, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return false, f.createErr
	}
	if _, ok := f.repos[name]; ok {
		return false, nil
	}
	f.repos[name] = map[string]string{}
	return true, nil
}

func (f *fakeRepos) RepoExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls++
	if f.existsCalls <= f.visibleIn {
		return false, nil
	}
	_, ok := f.repos[name]
	return ok, nil
}

func (f *fakeRepos) PutFile(_ context.Context, repo, path string, content []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	if f.repos[repo] == nil {
		f.repos[repo] = map[string]string{}
	}
	f.repos[repo][path] = string(content)
	f.puts = append(f.puts, path)
	return nil
}

func (f *fakeRepos) DeleteFile(_ context.Context, repo, path, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.repos[repo], path)
	f.deletes = append(f.deletes, path)
	return nil
}

func (f *fakeRepos) ListFiles(_ context.Context, repo string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.repos[repo] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

type fakeHost struct {
	mu        sync.Mutex
	projects  map[string]bool
	states    []string // returned by successive GetDeployment calls; last repeats
	getErrs   int      // leading GetDeployment calls that fail
	gets      int
	errMsg    string
	triggered []string
}

func (h *fakeHost) CreateProject(_ context.Context, name, _, _ string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.projects == nil {
		h.projects = map[string]bool{}
	}
	if h.projects[name] {
		return false, nil
	}
	h.projects[name] = true
	return true, nil
}

func (h *fakeHost) CreateDeployment(_ context.Context, name, _, _, ref string) (*vercel.Deployment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.triggered = append(h.triggered, name+"@"+ref)
	return &vercel.Deployment{ID: "dpl_1", ReadyState: vercel.StateQueued}, nil
}

func (h *fakeHost) GetDeployment(_ context.Context, id string) (*vercel.Deployment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gets++
	if h.gets <= h.getErrs {
		return nil, perrors.ErrUnavailable
	}
	i := h.gets - h.getErrs - 1
	if i >= len(h.states) {
		i = len(h.states) - 1
	}
	d := &vercel.Deployment{ID: id, ReadyState: h.states[i]}
	if d.Failed() {
		d.ErrorMessage = h.errMsg
	}
	return d, nil
}

func testConfig() Config {
	return Config{
		Domain:     "vercel.app",
		RepoPoll:   retry.PollConfig{Interval: time.Millisecond, MaxAttempts: 8},
		DeployPoll: retry.PollConfig{Interval: time.Millisecond, Timeout: 200 * time.Millisecond},
	}
}

func newTestOrchestrator(repos *fakeRepos, host *fakeHost) *Orchestrator {
	o := New(repos, host, testConfig(), metrics.New(), zerolog.Nop())
	o.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return o
}

func TestDeploy_NewSite(t *testing.T) {
	repos := newFakeRepos()
	repos.visibleIn = 2
	host := &fakeHost{states: []string{vercel.StateBuilding, vercel.StateBuilding, vercel.StateReady}}
	o := newTestOrchestrator(repos, host)

	st := multiPageState()
	res, err := o.Deploy(context.Background(), st, []Asset{{Name: "logo.png", Data: []byte("png")}})
	require.NoError(t, err)

	assert.True(t, res.NewSite)
	assert.True(t, strings.HasPrefix(res.RepoName, "sunny-bakery-"), res.RepoName)
	assert.Equal(t, "https://"+res.RepoName+".vercel.app", res.PublicURL)
	assert.Equal(t, "https://github.com/acme/"+res.RepoName, res.RepoURL)
	assert.Equal(t, "dpl_1", res.DeploymentID)
	assert.Equal(t, 3, repos.existsCalls)
	assert.Equal(t, []string{res.RepoName + "@main"}, host.triggered)
	assert.True(t, host.projects[res.RepoName])

	files := repos.repos[res.RepoName]
	assert.Contains(t, files, "src/app/about/page.tsx")
	assert.Equal(t, "png", files["public/images/logo.png"])
	assert.Empty(t, st.RepoName, "input state must not be mutated")
}

func TestDeploy_ExistingRepoSkipsVisibilityWait(t *testing.T) {
	repos := newFakeRepos()
	host := &fakeHost{states: []string{vercel.StateReady}}
	o := newTestOrchestrator(repos, host)
	st := project.NewState()
	st.CurrentHTML = "<p>x</p>"
	name := LegacyRepoName(o.now())
	repos.repos[name] = map[string]string{}

	res, err := o.Deploy(context.Background(), st, nil)
	require.NoError(t, err)
	assert.Equal(t, name, res.RepoName)
	assert.Zero(t, repos.existsCalls)
}

func TestDeploy_BuildError(t *testing.T) {
	repos := newFakeRepos()
	host := &fakeHost{states: []string{vercel.StateBuilding, vercel.StateError}, errMsg: "Command \"npm run build\" exited with 1"}
	o := newTestOrchestrator(repos, host)

	_, err := o.Deploy(context.Background(), multiPageState(), nil)
	var de *perrors.DeploymentError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StageBuild, de.Stage)
	assert.Equal(t, vercel.StateError, de.State)
	assert.Contains(t, de.Error(), "npm run build")
}

func TestDeploy_CanceledWithoutMessage(t *testing.T) {
	host := &fakeHost{states: []string{vercel.StateCanceled}}
	o := newTestOrchestrator(newFakeRepos(), host)

	_, err := o.Deploy(context.Background(), multiPageState(), nil)
	var de *perrors.DeploymentError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "unknown error", de.Message)
}

func TestDeploy_Timeout(t *testing.T) {
	host := &fakeHost{states: []string{vercel.StateBuilding}}
	o := newTestOrchestrator(newFakeRepos(), host)
	o.cfg.DeployPoll = retry.PollConfig{Interval: time.Millisecond, Timeout: 20 * time.Millisecond}

	_, err := o.Deploy(context.Background(), multiPageState(), nil)
	var timeout *perrors.DeploymentTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "dpl_1", timeout.DeploymentID)
	assert.ErrorIs(t, err, perrors.ErrTimeout)
}

func TestDeploy_TransientStatusErrorsKeepPolling(t *testing.T) {
	host := &fakeHost{getErrs: 3, states: []string{vercel.StateReady}}
	o := newTestOrchestrator(newFakeRepos(), host)

	_, err := o.Deploy(context.Background(), multiPageState(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, host.gets)
}

func TestDeploy_StageErrors(t *testing.T) {
	repos := newFakeRepos()
	repos.createErr = perrors.NewAPIError("github", 403, "forbidden")
	o := newTestOrchestrator(repos, &fakeHost{states: []string{vercel.StateReady}})

	_, err := o.Deploy(context.Background(), multiPageState(), nil)
	var de *perrors.DeploymentError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StageCreateRepo, de.Stage)
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)

	repos = newFakeRepos()
	repos.putErr = errors.New("boom")
	o = newTestOrchestrator(repos, &fakeHost{states: []string{vercel.StateReady}})
	_, err = o.Deploy(context.Background(), multiPageState(), nil)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StageWriteFiles, de.Stage)
}

func TestRedeploy_PushesOnlyChangesAndRemovesStaleRoutes(t *testing.T) {
	repos := newFakeRepos()
	host := &fakeHost{states: []string{vercel.StateReady}}
	o := newTestOrchestrator(repos, host)

	prev := multiPageState()
	prev.RepoName = "sunny-bakery-1234abcd"
	for _, f := range Scaffold(prev.RepoName, prev) {
		repos.repos[prev.RepoName] = mergeFile(repos.repos[prev.RepoName], f)
	}
	repos.repos[prev.RepoName]["README.md"] = "# readme"

	next := prev.Clone()
	next.RemovePage("contact")
	next.UpsertPage(project.PageContent{Slug: "about", Title: "About Us", Content: "<p>Since 1985</p>", Order: 1})

	res, err := o.Redeploy(context.Background(), prev, next, nil)
	require.NoError(t, err)
	assert.False(t, res.NewSite)
	assert.Equal(t, "https://sunny-bakery-1234abcd.vercel.app", res.PublicURL)

	assert.ElementsMatch(t, []string{"src/app/about/page.tsx", "src/app/layout.tsx"}, repos.puts)
	assert.Equal(t, []string{"src/app/contact/page.tsx"}, repos.deletes)
	assert.Contains(t, repos.repos[prev.RepoName], "README.md")
	assert.Equal(t, []string{"sunny-bakery-1234abcd@main"}, host.triggered)
}

func TestRedeploy_RequiresRepo(t *testing.T) {
	o := newTestOrchestrator(newFakeRepos(), &fakeHost{states: []string{vercel.StateReady}})
	_, err := o.Redeploy(context.Background(), nil, project.NewState(), nil)
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestDeployHTML(t *testing.T) {
	repos := newFakeRepos()
	host := &fakeHost{states: []string{vercel.StateReady}}
	o := newTestOrchestrator(repos, host)

	res, err := o.DeployHTML(context.Background(), "<h1>Hello</h1>", "My Portfolio", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.RepoName, "my-portfolio-"))
	assert.Contains(t, repos.repos[res.RepoName][HomePagePath], "<h1>Hello</h1>")

	repos.puts = nil
	res2, err := o.DeployHTML(context.Background(), "<h1>Bye</h1>", "", res.RepoName)
	require.NoError(t, err)
	assert.Equal(t, res.RepoName, res2.RepoName)
	assert.Equal(t, []string{HomePagePath}, repos.puts)

	_, err = o.DeployHTML(context.Background(), "  ", "", "")
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestRepoName(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	unique := "3F2504E0-4F89-11D3-9A0C-0305E82C3301"

	st := project.NewState()
	st.BusinessName = "Joe's Pizza & Grill"
	assert.Equal(t, "joe-s-pizza-grill-3f2504e0", RepoName(st, now, unique))

	st = project.NewState()
	st.Pages = []project.PageContent{{Slug: "home", Title: "Welcome to the Yoga Studio", IsHome: true}}
	assert.Equal(t, "yoga-studio-3f2504e0", RepoName(st, now, unique))

	st = project.NewState()
	assert.Equal(t, "site-"+"loyw3v28", RepoName(st, now, unique))
}

func mergeFile(m map[string]string, f File) map[string]string {
	if m == nil {
		m = map[string]string{}
	}
	m[f.Path] = f.Content
	return m
}
