package archive

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
)

// userAgents is the list of User-Agent values a download picks from at
// random; it holds a single entry.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// DownloadFile fetches url into dirPath, naming the file fileName if given
// or deriving it from the URL otherwise, resolving any collision via
// AvailableFilepath, and returns the path actually written.
func DownloadFile(ctx context.Context, client *http.Client, url, dirPath, fileName string) (string, error) {
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return "", err
	}

	if fileName == "" {
		fileName = filepath.Base(url)
	}
	target, err := AvailableFilepath(filepath.Join(dirPath, fileName))
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Connection", "close")
	req.Header.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: unexpected status %s", url, resp.Status)
	}

	out, err := os.Create(target)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("writing %s: %w", target, err)
	}
	return target, nil
}
