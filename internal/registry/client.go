// Package registry fetches the project index, version lists,
// project/release JSON, the XML-RPC changelog, and the popularity snapshot
// from a PyPI-shaped registry.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// ErrNotFound is returned by Fetch{Project,Release} when the upstream
// returns its {"message": "Not Found"} sentinel body, never a generic HTTP
// error — a 404 with that body is a normal, expected outcome, not a
// transient fault.
var ErrNotFound = errors.New("registry: not found")

const (
	acceptSimpleJSON = "application/vnd.pypi.simple.v1+json"
	acceptSimpleHTML = "application/vnd.pypi.simple.v1+html;q=0.2"
	acceptHTML       = "text/html;q=0.01"
)

// Client wraps an *http.Client with the base URLs of a PyPI-shaped
// registry's simple index, JSON API, and XML-RPC endpoint.
type Client struct {
	HTTP       *http.Client
	BaseURL    string // e.g. https://pypi.org
	XMLRPCURL  string // e.g. https://pypi.org/pypi
	PopularURL string // fixed URL yielding the popularity JSON
}

// NewClient constructs a Client with PyPI's production endpoints.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		HTTP:       httpClient,
		BaseURL:    "https://pypi.org",
		XMLRPCURL:  "https://pypi.org/pypi",
		PopularURL: "https://hugovk.github.io/top-pypi-packages/top-pypi-packages-30-days.json",
	}
}

// simpleIndexJSON is the shape of the PEP 691 simple-API JSON response.
type simpleIndexJSON struct {
	Meta     struct{ APIVersion string `json:"api-version"` } `json:"meta"`
	Projects []struct {
		Name string `json:"name"`
	} `json:"projects"`
	Files []struct {
		Filename string `json:"filename"`
	} `json:"files"`
}

// ListProjects implements list_projects(): the full simple index.
func (c *Client) ListProjects(ctx context.Context) (serial int64, names []string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/simple/", nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", strings.Join([]string{acceptSimpleJSON, acceptSimpleHTML, acceptHTML}, ", "))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetching project index: %w", err)
	}
	defer resp.Body.Close()

	serial = lastSerial(resp)
	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "json"):
		var doc simpleIndexJSON
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return 0, nil, fmt.Errorf("decoding simple index json: %w", err)
		}
		for _, p := range doc.Projects {
			names = append(names, p.Name)
		}
	default:
		names, err = parseAnchorTexts(resp.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("parsing simple index html: %w", err)
		}
	}
	return serial, names, nil
}

// ListVersions implements list_versions(name): the per-project simple page.
func (c *Client) ListVersions(ctx context.Context, name string) (serial int64, versions []string, err error) {
	url := fmt.Sprintf("%s/simple/%s/", c.BaseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", strings.Join([]string{acceptSimpleJSON, acceptSimpleHTML, acceptHTML}, ", "))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetching version list for %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, nil, ErrNotFound
	}

	serial = lastSerial(resp)
	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "json"):
		var doc simpleIndexJSON
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return 0, nil, fmt.Errorf("decoding simple project json: %w", err)
		}
		seen := map[string]bool{}
		for _, f := range doc.Files {
			v := versionFromFilename(f.Filename)
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			versions = append(versions, v)
		}
	default:
		anchors, err := parseAnchorTexts(resp.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("parsing simple project html: %w", err)
		}
		seen := map[string]bool{}
		for _, filename := range anchors {
			v := versionFromFilename(filename)
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			versions = append(versions, v)
		}
	}
	return serial, versions, nil
}

// ProjectJSON is the upstream /pypi/<project>/json shape, trimmed to the
// fields the store and scorer consume.
type ProjectJSON struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	Releases map[string]json.RawMessage `json:"releases"`
	Urls     []json.RawMessage          `json:"urls"`
}

// ReleaseJSON is the upstream /pypi/<project>/<version>/json shape.
type ReleaseJSON struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	Urls []FileDescriptor `json:"urls"`
}

// FileDescriptor describes one release artifact's download URL and
// metadata, matching the upstream's "urls[]" entries.
type FileDescriptor struct {
	Filename    string            `json:"filename"`
	URL         string            `json:"url"`
	Size        int64             `json:"size"`
	UploadTime  string            `json:"upload_time_iso_8601"`
	Digests     map[string]string `json:"digests"`
}

type notFoundBody struct {
	Message string `json:"message"`
}

// FetchProject implements fetch_project(name).
func (c *Client) FetchProject(ctx context.Context, name string) (ProjectJSON, error) {
	var doc ProjectJSON
	url := fmt.Sprintf("%s/pypi/%s/json", c.BaseURL, name)
	if err := c.fetchJSON(ctx, url, &doc); err != nil {
		return ProjectJSON{}, err
	}
	return doc, nil
}

// FetchRelease implements fetch_release(name, version).
func (c *Client) FetchRelease(ctx context.Context, name, version string) (ReleaseJSON, error) {
	var doc ReleaseJSON
	url := fmt.Sprintf("%s/pypi/%s/%s/json", c.BaseURL, name, version)
	if err := c.fetchJSON(ctx, url, &doc); err != nil {
		return ReleaseJSON{}, err
	}
	return doc, nil
}

func (c *Client) fetchJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s: %w", url, err)
	}
	var nf notFoundBody
	if json.Unmarshal(raw, &nf) == nil && nf.Message == "Not Found" {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}

// PopularityJSON is the upstream popularity snapshot shape.
type PopularityJSON struct {
	LastUpdate string `json:"last_update"`
	Query      string `json:"query"`
	Rows       []struct {
		DownloadCount int64  `json:"download_count"`
		Project       string `json:"project"`
	} `json:"rows"`
}

// FetchPopularity implements fetch_popularity().
func (c *Client) FetchPopularity(ctx context.Context) (PopularityJSON, error) {
	var doc PopularityJSON
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PopularURL, nil)
	if err != nil {
		return doc, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return doc, fmt.Errorf("fetching popularity snapshot: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return doc, fmt.Errorf("decoding popularity snapshot: %w", err)
	}
	return doc, nil
}

func lastSerial(resp *http.Response) int64 {
	s := resp.Header.Get("X-PyPI-Last-Serial")
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// parseAnchorTexts extracts the anchor text of every <a> element, the HTML
// fallback for a simple-API index page when content negotiation yields
// text/html.
func parseAnchorTexts(r io.Reader) ([]string, error) {
	tok := html.NewTokenizer(r)
	var names []string
	inAnchor := false
	for {
		tt := tok.Next()
		switch tt {
		case html.ErrorToken:
			return names, nil
		case html.StartTagToken:
			name, _ := tok.TagName()
			if string(name) == "a" {
				inAnchor = true
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			if string(name) == "a" {
				inAnchor = false
			}
		case html.TextToken:
			if inAnchor {
				text := strings.TrimSpace(string(tok.Text()))
				if text != "" {
					names = append(names, text)
				}
			}
		}
	}
}

func versionFromFilename(filename string) string {
	// A thin helper that only needs a version string to de-duplicate the
	// HTML/JSON anchor list, not a validated pep440.Version; validation
	// happens separately in internal/monitor's validateVersion.
	name := filename
	for _, suffix := range []string{".tar.gz", ".whl", ".zip"} {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}
	i := strings.LastIndex(name, "-")
	if i < 0 {
		return ""
	}
	rest := name[i+1:]
	// Only the segment after the last "-" is considered. For a wheel that
	// segment is the platform tag (e.g. "any"), which is rejected here, so
	// wheels yield "" and the version comes from the sibling sdist.
	if strings.Contains(rest, ".") || isDigitPrefixed(rest) {
		return rest
	}
	return ""
}

func isDigitPrefixed(s string) bool {
	return len(s) > 0 && s[0] >= '0' && s[0] <= '9'
}
