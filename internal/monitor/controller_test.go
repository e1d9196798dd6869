package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyreposcan/pyreposcan/internal/registry"
	"github.com/pyreposcan/pyreposcan/internal/store"
)

// fakeStore is an in-memory store.Store used to drive the controller FSM
// without Postgres. Writes are counted so steady-state tests can assert
// "no further writes".
type fakeStore struct {
	mu sync.Mutex

	projects map[string]*store.Project // live projects by name
	removed  map[string]*store.Project
	releases map[string]*store.Release // key: name + "\x00" + version
	results  map[string]store.Result
	aliases  map[string]store.Alias // key: name/version/import
	serials  []int64
	popular  []store.PopularitySnapshot
	private  map[string]bool

	writes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: map[string]*store.Project{},
		removed:  map[string]*store.Project{},
		releases: map[string]*store.Release{},
		results:  map[string]store.Result{},
		aliases:  map[string]store.Alias{},
		private:  map[string]bool{},
	}
}

func relKey(name, version string) string { return name + "\x00" + version }

func (f *fakeStore) InsertProject(_ context.Context, p store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[p.Name]; ok {
		return store.ErrDuplicate
	}
	f.writes++
	cp := p
	f.projects[p.Name] = &cp
	return nil
}

func (f *fakeStore) UpdateProjectInfo(_ context.Context, name string, info []byte, suspicion int, reasons []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if p, ok := f.projects[name]; ok {
		p.Info = info
		p.Suspicion = suspicion
		p.Reasons = reasons
	}
	return nil
}

func (f *fakeStore) FindProject(_ context.Context, name string, removed bool) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := f.projects
	if removed {
		table = f.removed
	}
	if p, ok := table[name]; ok {
		return *p, nil
	}
	return store.Project{}, store.ErrNotFound
}

func (f *fakeStore) MarkProjectRemoved(_ context.Context, name string, serial int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	p, ok := f.projects[name]
	if !ok {
		return store.ErrNotFound
	}
	p.Removed = true
	p.RemovedSerial = &serial
	p.RemovedAt = &at
	delete(f.projects, name)
	f.removed[name] = p
	for _, r := range f.releases {
		if r.ProjectName == name && !r.Removed {
			r.Removed = true
			r.RemovedSerial = &serial
			r.RemovedAt = &at
		}
	}
	return nil
}

func (f *fakeStore) mutateSets(name string, fn func(p *store.Project)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	p, ok := f.projects[name]
	if !ok {
		return store.ErrNotFound
	}
	fn(p)
	return nil
}

func addTo(set []string, user string) []string {
	for _, u := range set {
		if u == user {
			return set
		}
	}
	return append(set, user)
}

func removeFrom(set []string, user string) []string {
	out := set[:0]
	for _, u := range set {
		if u != user {
			out = append(out, u)
		}
	}
	return out
}

func (f *fakeStore) AddOwner(_ context.Context, project, user string) error {
	return f.mutateSets(project, func(p *store.Project) { p.Owners = addTo(p.Owners, user) })
}

func (f *fakeStore) RemoveOwner(_ context.Context, project, user string) error {
	return f.mutateSets(project, func(p *store.Project) { p.Owners = removeFrom(p.Owners, user) })
}

func (f *fakeStore) AddMaintainer(_ context.Context, project, user string) error {
	return f.mutateSets(project, func(p *store.Project) { p.Maintainers = addTo(p.Maintainers, user) })
}

func (f *fakeStore) RemoveMaintainer(_ context.Context, project, user string) error {
	return f.mutateSets(project, func(p *store.Project) { p.Maintainers = removeFrom(p.Maintainers, user) })
}

func (f *fakeStore) MoveOwnerToMaintainer(_ context.Context, project, user string) error {
	return f.mutateSets(project, func(p *store.Project) {
		p.Owners = removeFrom(p.Owners, user)
		p.Maintainers = addTo(p.Maintainers, user)
	})
}

func (f *fakeStore) MoveMaintainerToOwner(_ context.Context, project, user string) error {
	return f.mutateSets(project, func(p *store.Project) {
		p.Maintainers = removeFrom(p.Maintainers, user)
		p.Owners = addTo(p.Owners, user)
	})
}

func (f *fakeStore) InsertRelease(_ context.Context, r store.Release) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := relKey(r.ProjectName, r.Version)
	if _, ok := f.releases[key]; ok {
		return store.ErrDuplicate
	}
	f.writes++
	cp := r
	f.releases[key] = &cp
	return nil
}

func (f *fakeStore) MarkReleaseRemoved(_ context.Context, project, version string, serial int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	r, ok := f.releases[relKey(project, version)]
	if !ok {
		return store.ErrNotFound
	}
	r.Removed = true
	r.RemovedSerial = &serial
	r.RemovedAt = &at
	return nil
}

func (f *fakeStore) MarkAnalyzed(_ context.Context, project, version, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if r, ok := f.releases[relKey(project, version)]; ok {
		r.Analyzed = true
		if filename != "" {
			r.AnalyzedFiles = addTo(r.AnalyzedFiles, filename)
		}
	}
	return nil
}

func (f *fakeStore) UpsertResult(_ context.Context, r store.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.results[r.Filename] = r
	return nil
}

func (f *fakeStore) HasResult(_ context.Context, filename string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.results[filename]
	return ok, nil
}

func (f *fakeStore) InsertAlias(_ context.Context, a store.Alias) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := a.ProjectName + "/" + a.Version + "/" + a.ImportName
	if _, ok := f.aliases[key]; ok {
		return store.ErrDuplicate
	}
	f.writes++
	f.aliases[key] = a
	return nil
}

func (f *fakeStore) AliasOwner(_ context.Context, importName, exceptFor string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.aliases {
		if a.ImportName == importName && a.ProjectName != exceptFor {
			return a.ProjectName, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeStore) LocalSerial(_ context.Context) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.serials) == 0 {
		return 0, false, nil
	}
	max := f.serials[0]
	for _, s := range f.serials[1:] {
		if s > max {
			max = s
		}
	}
	return max, true, nil
}

func (f *fakeStore) CommitSerial(_ context.Context, serial int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.serials = append(f.serials, serial)
	return nil
}

func (f *fakeStore) InsertPopularitySnapshot(_ context.Context, snap store.PopularitySnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.popular = append(f.popular, snap)
	return nil
}

func (f *fakeStore) LatestPopularity(_ context.Context) (store.PopularitySnapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.popular) == 0 {
		return store.PopularitySnapshot{}, false, nil
	}
	return f.popular[len(f.popular)-1], true, nil
}

func (f *fakeStore) UpsertPrivateName(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.private[name] = true
	return nil
}

func (f *fakeStore) RemovedProjectExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.removed[name]
	return ok, nil
}

func (f *fakeStore) PrivateProjectExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.private[name], nil
}

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

var _ store.Store = (*fakeStore)(nil)

// fakeRegistry is an httptest server speaking the subset of the registry
// surface the controller exercises: the JSON simple index, project/release
// JSON, the XML-RPC changelog, and the popularity document.
type fakeRegistry struct {
	srv *httptest.Server

	mu            sync.Mutex
	lastSerial    int64
	projects      []string
	files         map[string][]string // project -> filenames on its simple page
	changelog     []registry.ChangelogEntry
	releaseFetches map[string]int // "name/version" -> fetch count
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	f := &fakeRegistry{
		files:          map[string][]string{},
		releaseFetches: map[string]int{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRegistry) client() *registry.Client {
	return &registry.Client{
		HTTP:       f.srv.Client(),
		BaseURL:    f.srv.URL,
		XMLRPCURL:  f.srv.URL + "/xmlrpc",
		PopularURL: f.srv.URL + "/popular",
	}
}

func (f *fakeRegistry) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/xmlrpc":
		f.handleXMLRPC(w, r)

	case path == "/popular":
		fmt.Fprint(w, `{"last_update":"2026-07-01 12:00:00","query":"","rows":[{"download_count":9000000000,"project":"requests"}]}`)

	case path == "/simple/":
		w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
		w.Header().Set("X-PyPI-Last-Serial", fmt.Sprint(f.lastSerial))
		doc := map[string]interface{}{"projects": []map[string]string{}}
		projects := doc["projects"].([]map[string]string)
		for _, p := range f.projects {
			projects = append(projects, map[string]string{"name": p})
		}
		doc["projects"] = projects
		_ = json.NewEncoder(w).Encode(doc)

	case strings.HasPrefix(path, "/simple/"):
		name := strings.Trim(strings.TrimPrefix(path, "/simple/"), "/")
		files, ok := f.files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
		w.Header().Set("X-PyPI-Last-Serial", fmt.Sprint(f.lastSerial))
		type fileEntry struct {
			Filename string `json:"filename"`
		}
		var entries []fileEntry
		for _, fn := range files {
			entries = append(entries, fileEntry{Filename: fn})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"files": entries})

	case strings.HasPrefix(path, "/pypi/") && strings.HasSuffix(path, "/json"):
		parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(path, "/pypi/"), "/json"), "/")
		switch len(parts) {
		case 1:
			name := parts[0]
			if !f.knownProject(name) {
				fmt.Fprint(w, `{"message": "Not Found"}`)
				return
			}
			fmt.Fprintf(w, `{"info":{"name":%q,"version":"1.0"},"releases":{},"urls":[]}`, name)
		case 2:
			name, version := parts[0], parts[1]
			if !f.knownProject(name) {
				fmt.Fprint(w, `{"message": "Not Found"}`)
				return
			}
			f.releaseFetches[name+"/"+version]++
			fmt.Fprintf(w, `{"info":{"name":%q,"version":%q},"urls":[{"filename":"%s-%s.tar.gz","url":"%s/packages/%s-%s.tar.gz","size":1024,"upload_time_iso_8601":"2026-07-01T00:00:00Z","digests":{"sha256":"abc"}}]}`,
				name, version, name, version, f.srv.URL, name, version)
		default:
			http.NotFound(w, r)
		}

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRegistry) knownProject(name string) bool {
	for _, p := range f.projects {
		if p == name {
			return true
		}
	}
	return false
}

func (f *fakeRegistry) handleXMLRPC(w http.ResponseWriter, r *http.Request) {
	var buf strings.Builder
	body, _ := io.ReadAll(r.Body)
	req := string(body)
	w.Header().Set("Content-Type", "text/xml")

	switch {
	case strings.Contains(req, "changelog_last_serial"):
		fmt.Fprintf(w, `<?xml version="1.0"?><methodResponse><params><param><value><int>%d</int></value></param></params></methodResponse>`, f.lastSerial)
	case strings.Contains(req, "changelog_since_serial"):
		buf.WriteString(`<?xml version="1.0"?><methodResponse><params><param><value><array><data>`)
		for _, e := range f.changelog {
			fmt.Fprintf(&buf,
				`<value><array><data><value><string>%s</string></value><value><string>%s</string></value><value><int>%d</int></value><value><string>%s</string></value><value><int>%d</int></value></data></array></value>`,
				e.Name, e.Version, e.Timestamp, e.Action, e.Serial)
		}
		buf.WriteString(`</data></array></value></param></params></methodResponse>`)
		fmt.Fprint(w, buf.String())
	default:
		http.Error(w, "unknown method", http.StatusBadRequest)
	}
}

func newTestController(t *testing.T, st store.Store, reg *fakeRegistry) *Controller {
	t.Helper()
	cfg := Config{
		Interval:            time.Minute,
		AnalyzeThreshold:    -1,
		FileType:            "*",
		LevenshteinDistance: 1,
	}
	return New(st, reg.client(), nil, nil, nil, cfg, zerolog.Nop())
}

// TestBootstrapThenSteadyState checks that a full crawl commits the index
// serial, and that the next incremental tick with an unchanged remote
// serial performs no further writes.
func TestBootstrapThenSteadyState(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	reg := newFakeRegistry(t)
	reg.lastSerial = 100
	reg.projects = []string{"A", "B"}
	reg.files["A"] = []string{"A-1.0.tar.gz"}
	reg.files["B"] = nil

	c := newTestController(t, st, reg)

	next, err := stateBootstrap(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, Sleep, next)

	serial, ok, err := st.LocalSerial(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), serial)

	_, err = st.FindProject(ctx, "A", false)
	assert.NoError(t, err)
	_, err = st.FindProject(ctx, "B", false)
	assert.NoError(t, err)
	require.Contains(t, st.releases, relKey("A", "1.0"))
	assert.Equal(t, 1, c.DownloadQueue.Len())

	writesAfterBootstrap := st.writeCount()
	next, err = stateIncremental(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, Sleep, next)
	assert.Equal(t, writesAfterBootstrap, st.writeCount(), "steady state must not write")
}

// TestCreateThenNewRelease replays a create followed by a new release and
// checks the project, release, download task, and committed serial.
func TestCreateThenNewRelease(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	require.NoError(t, st.CommitSerial(ctx, 100))

	reg := newFakeRegistry(t)
	reg.lastSerial = 102
	reg.projects = []string{"C"}
	now := time.Now().Unix()
	reg.changelog = []registry.ChangelogEntry{
		{Name: "C", Version: "", Timestamp: now, Action: "create", Serial: 101},
		{Name: "C", Version: "1.0", Timestamp: now, Action: "new release", Serial: 102},
	}

	c := newTestController(t, st, reg)
	next, err := stateIncremental(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, Sleep, next)

	p, err := st.FindProject(ctx, "C", false)
	require.NoError(t, err)
	assert.Equal(t, "C", p.Name)
	require.Contains(t, st.releases, relKey("C", "1.0"))
	assert.Equal(t, 1, c.DownloadQueue.Len())

	serial, ok, err := st.LocalSerial(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(102), serial)
}

// TestRemoveProject checks that removal cascades to every release, all
// sharing the activity's serial.
func TestRemoveProject(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	require.NoError(t, st.InsertProject(ctx, store.Project{Name: "D"}))
	require.NoError(t, st.InsertRelease(ctx, store.Release{ProjectName: "D", Version: "1.0"}))
	require.NoError(t, st.InsertRelease(ctx, store.Release{ProjectName: "D", Version: "1.1"}))
	require.NoError(t, st.CommitSerial(ctx, 100))

	reg := newFakeRegistry(t)
	reg.lastSerial = 150
	reg.changelog = []registry.ChangelogEntry{
		{Name: "D", Version: "", Timestamp: time.Now().Unix(), Action: "remove project", Serial: 150},
	}

	c := newTestController(t, st, reg)
	_, err := stateIncremental(ctx, c)
	require.NoError(t, err)

	p, err := st.FindProject(ctx, "D", true)
	require.NoError(t, err)
	assert.True(t, p.Removed)
	require.NotNil(t, p.RemovedSerial)
	assert.Equal(t, int64(150), *p.RemovedSerial)
	assert.NotNil(t, p.RemovedAt)

	for _, version := range []string{"1.0", "1.1"} {
		r := st.releases[relKey("D", version)]
		require.NotNil(t, r)
		assert.True(t, r.Removed, "release %s not removed", version)
		require.NotNil(t, r.RemovedSerial)
		assert.Equal(t, int64(150), *r.RemovedSerial)
	}
}

// TestOwnerLifecycle replays add, invite (no-op), accepted, and change
// owner actions.
func TestOwnerLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	require.NoError(t, st.InsertProject(ctx, store.Project{Name: "P"}))
	require.NoError(t, st.CommitSerial(ctx, 100))

	reg := newFakeRegistry(t)
	reg.lastSerial = 104
	now := time.Now().Unix()
	reg.changelog = []registry.ChangelogEntry{
		{Name: "P", Timestamp: now, Action: "add Owner X", Serial: 101},
		{Name: "P", Timestamp: now, Action: "invite Owner Y", Serial: 102},
		{Name: "P", Timestamp: now, Action: "accepted Owner Y", Serial: 103},
		{Name: "P", Timestamp: now, Action: "change Owner X", Serial: 104},
	}

	c := newTestController(t, st, reg)
	_, err := stateIncremental(ctx, c)
	require.NoError(t, err)

	p, err := st.FindProject(ctx, "P", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Y"}, p.Owners)
	assert.Equal(t, []string{"X"}, p.Maintainers)
}

// TestFileActivityCoalescing exercises the single-step memory: consecutive
// file activities on the same (project, version) trigger exactly one
// release fetch.
func TestFileActivityCoalescing(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	require.NoError(t, st.InsertProject(ctx, store.Project{Name: "E"}))
	require.NoError(t, st.CommitSerial(ctx, 200))

	reg := newFakeRegistry(t)
	reg.lastSerial = 202
	reg.projects = []string{"E"}
	now := time.Now().Unix()
	reg.changelog = []registry.ChangelogEntry{
		{Name: "E", Version: "1.0", Timestamp: now, Action: "add source file E-1.0.tar.gz", Serial: 201},
		{Name: "E", Version: "1.0", Timestamp: now, Action: "add py3 file E-1.0-py3-none-any.whl", Serial: 202},
	}

	c := newTestController(t, st, reg)
	_, err := stateIncremental(ctx, c)
	require.NoError(t, err)

	reg.mu.Lock()
	fetches := reg.releaseFetches["E/1.0"]
	reg.mu.Unlock()
	assert.Equal(t, 1, fetches, "co-located file activities must coalesce into one release fetch")
}

// TestLocalSerialNonDecreasing asserts the committed serial never moves
// backward across incremental ticks.
func TestLocalSerialNonDecreasing(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	require.NoError(t, st.CommitSerial(ctx, 100))

	reg := newFakeRegistry(t)
	reg.lastSerial = 110
	c := newTestController(t, st, reg)

	_, err := stateIncremental(ctx, c)
	require.NoError(t, err)
	s1, _, _ := st.LocalSerial(ctx)

	reg.mu.Lock()
	reg.lastSerial = 120
	reg.mu.Unlock()
	_, err = stateIncremental(ctx, c)
	require.NoError(t, err)
	s2, _, _ := st.LocalSerial(ctx)

	assert.GreaterOrEqual(t, s2, s1)
	assert.Equal(t, int64(120), s2)
}
