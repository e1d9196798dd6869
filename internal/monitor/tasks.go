package monitor

import "github.com/pyreposcan/pyreposcan/internal/store"

// DownloadTask is the payload queued on the download queue: one artifact
// file belonging to one release, carrying enough context for the
// downloader worker to upload it to the blob store and, if warranted,
// re-enqueue it for analysis.
type DownloadTask struct {
	ProjectName string
	Version     string
	File        store.FileDescriptor
	Suspicion   int
}

// AnalyzeTask is the payload queued on the analysis queue: a local file
// path the analyzer worker must scan, plus enough context to record the
// Result and mark the release analyzed.
type AnalyzeTask struct {
	ProjectName string
	Version     string
	LocalPath   string
	File        store.FileDescriptor
	Suspicion   int
}
