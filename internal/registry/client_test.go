package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(srv *httptest.Server) *Client {
	return &Client{
		HTTP:       srv.Client(),
		BaseURL:    srv.URL,
		XMLRPCURL:  srv.URL + "/xmlrpc",
		PopularURL: srv.URL + "/popular",
	}
}

func TestListProjectsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/simple/", r.URL.Path)
		assert.Contains(t, r.Header.Get("Accept"), "application/vnd.pypi.simple.v1+json")
		w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
		w.Header().Set("X-PyPI-Last-Serial", "4711")
		fmt.Fprint(w, `{"meta":{"api-version":"1.0"},"projects":[{"name":"alpha"},{"name":"beta"}]}`)
	}))
	defer srv.Close()

	serial, names, err := testClient(srv).ListProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4711), serial)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func TestListProjectsHTMLFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-PyPI-Last-Serial", "99")
		fmt.Fprint(w, `<html><body><a href="/simple/alpha/">alpha</a><a href="/simple/beta/">beta</a></body></html>`)
	}))
	defer srv.Close()

	serial, names, err := testClient(srv).ListProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(99), serial)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func TestFetchProjectNotFoundSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The upstream's sentinel is a 200 body, not a status code.
		fmt.Fprint(w, `{"message": "Not Found"}`)
	}))
	defer srv.Close()

	_, err := testClient(srv).FetchProject(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFetchProjectHTTP404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := testClient(srv).FetchProject(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFetchRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pypi/alpha/1.0/json", r.URL.Path)
		fmt.Fprint(w, `{"info":{"name":"alpha","version":"1.0"},"urls":[{"filename":"alpha-1.0.tar.gz","url":"https://example.invalid/alpha-1.0.tar.gz","size":2048,"upload_time_iso_8601":"2026-07-01T00:00:00Z","digests":{"sha256":"deadbeef"}}]}`)
	}))
	defer srv.Close()

	rel, err := testClient(srv).FetchRelease(context.Background(), "alpha", "1.0")
	require.NoError(t, err)
	require.Len(t, rel.Urls, 1)
	assert.Equal(t, "alpha-1.0.tar.gz", rel.Urls[0].Filename)
	assert.Equal(t, int64(2048), rel.Urls[0].Size)
	assert.Equal(t, "deadbeef", rel.Urls[0].Digests["sha256"])
}

func TestChangelogLastSerial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xmlrpc", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<?xml version="1.0"?><methodResponse><params><param><value><int>31337</int></value></param></params></methodResponse>`)
	}))
	defer srv.Close()

	serial, err := testClient(srv).ChangelogLastSerial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(31337), serial)
}

func TestChangelogSince(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<?xml version="1.0"?><methodResponse><params><param><value><array><data>`+
			`<value><array><data>`+
			`<value><string>alpha</string></value>`+
			`<value><string>1.0</string></value>`+
			`<value><int>1750000000</int></value>`+
			`<value><string>new release</string></value>`+
			`<value><int>101</int></value>`+
			`</data></array></value>`+
			`<value><array><data>`+
			`<value><string>beta</string></value>`+
			`<value><string></string></value>`+
			`<value><i4>1750000060</i4></value>`+
			`<value><string>create</string></value>`+
			`<value><i4>102</i4></value>`+
			`</data></array></value>`+
			`</data></array></value></param></params></methodResponse>`)
	}))
	defer srv.Close()

	entries, err := testClient(srv).ChangelogSince(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ChangelogEntry{Name: "alpha", Version: "1.0", Timestamp: 1750000000, Action: "new release", Serial: 101}, entries[0])
	assert.Equal(t, ChangelogEntry{Name: "beta", Version: "", Timestamp: 1750000060, Action: "create", Serial: 102}, entries[1])
}

func TestChangelogFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<?xml version="1.0"?><methodResponse><fault><value><string>boom</string></value></fault></methodResponse>`)
	}))
	defer srv.Close()

	_, err := testClient(srv).ChangelogLastSerial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fault")
}

func TestFetchPopularity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"last_update":"2026-07-01 12:00:00","query":"q","rows":[{"download_count":9000000000,"project":"requests"}]}`)
	}))
	defer srv.Close()

	doc, err := testClient(srv).FetchPopularity(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Rows, 1)
	assert.Equal(t, "requests", doc.Rows[0].Project)
	assert.Equal(t, int64(9000000000), doc.Rows[0].DownloadCount)
}

func TestVersionFromFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"requests-2.31.0.tar.gz", "2.31.0"},
		{"some_project-0.1.dev3.tar.gz", "0.1.dev3"},
		// Wheel filenames end in platform tags, not the version; the
		// version is recovered from the sibling sdist instead.
		{"flask-3.0.2-py3-none-any.whl", ""},
		{"noversion", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, versionFromFilename(tt.filename), "filename %q", tt.filename)
	}
}

func TestListVersions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/simple/alpha/", r.URL.Path)
		w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
		w.Header().Set("X-PyPI-Last-Serial", "7")
		fmt.Fprint(w, `{"files":[{"filename":"alpha-1.0.tar.gz"},{"filename":"alpha-1.0.zip"},{"filename":"alpha-1.1.tar.gz"}]}`)
	}))
	defer srv.Close()

	serial, versions, err := testClient(srv).ListVersions(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(7), serial)
	assert.Equal(t, []string{"1.0", "1.1"}, versions)
}

func TestListVersionsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, _, err := testClient(srv).ListVersions(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestParseAnchorTexts(t *testing.T) {
	in := strings.NewReader(`<html><body>
		<a href="/a/">first</a>
		<p>not a link</p>
		<a href="/b/"> second </a>
	</body></html>`)
	names, err := parseAnchorTexts(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, names)
}
