// Package worker implements the downloader and analyzer worker loops that
// drain the monitor's two priority queues.
package worker

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pyreposcan/pyreposcan/internal/archive"
	"github.com/pyreposcan/pyreposcan/internal/blob"
	"github.com/pyreposcan/pyreposcan/internal/monitor"
	"github.com/pyreposcan/pyreposcan/internal/monitor/queue"
)

// Downloader drains a download queue: it fetches an artifact (skipping the
// HTTP round trip if the blob store already has it), uploads it, and either
// enqueues it for analysis or deletes the scratch copy.
type Downloader struct {
	Queue         *queue.Queue
	AnalysisQueue *queue.Queue
	Blob          *blob.Store
	HTTP          *http.Client
	ScratchDir    string
	Config        monitor.Config
	Log           zerolog.Logger
}

// Run drains Queue until it is closed, logging and continuing past any
// single task's failure. It does not watch ctx itself; the controller
// closes the queues when its context is canceled.
func (d *Downloader) Run(ctx context.Context) {
	log := d.Log.With().Str("component", "monitor/worker.Downloader").Logger()
	for {
		item, ok := d.Queue.Pop()
		if !ok {
			log.Info().Msg("download queue closed, exiting")
			return
		}
		task, ok := item.Payload.(monitor.DownloadTask)
		if !ok {
			continue
		}
		monitor.DownloadQueueDepth.Set(float64(d.Queue.Len()))
		if err := d.process(ctx, task); err != nil {
			log.Error().Err(err).Str("project", task.ProjectName).Str("filename", task.File.Filename).Msg("download and save failed")
		}
	}
}

func (d *Downloader) process(ctx context.Context, task monitor.DownloadTask) error {
	log := zerolog.Ctx(ctx).With().Str("filename", task.File.Filename).Logger()

	fileInBlob, err := d.Blob.Exists(ctx, task.File.Filename)
	if err != nil {
		return err
	}

	var localPath string
	if !fileInBlob {
		localPath, err = archive.DownloadFile(ctx, d.HTTP, task.File.URL, d.ScratchDir, task.File.Filename)
		if err != nil {
			return err
		}
		meta := blob.Meta{Project: task.ProjectName, Version: task.Version, Filename: task.File.Filename, Digests: task.File.Digests}
		if err := d.Blob.Put(ctx, localPath, meta); err != nil {
			return err
		}
	}

	needsAnalysis := d.Config.AnalyzeThreshold > -1 &&
		task.Suspicion >= d.Config.AnalyzeThreshold &&
		fileTypeMatches(task.File.Filename, d.Config.FileType)

	if !needsAnalysis {
		if !fileInBlob {
			_ = os.Remove(localPath)
		}
		return nil
	}

	if fileInBlob {
		localPath, err = d.Blob.Get(ctx, task.File.Filename, d.ScratchDir)
		if err != nil {
			return err
		}
	}

	d.AnalysisQueue.Push(monitor.AnalyzeTask{
		ProjectName: task.ProjectName,
		Version:     task.Version,
		LocalPath:   localPath,
		File:        task.File,
		Suspicion:   task.Suspicion,
	}, task.Suspicion)
	monitor.AnalysisQueueDepth.Set(float64(d.AnalysisQueue.Len()))
	log.Debug().Msg("queued for analysis")
	return nil
}

// fileTypeMatches implements the --file_type {tgz|whl|*} filter.
func fileTypeMatches(filename, fileType string) bool {
	switch fileType {
	case "*":
		return true
	case "tgz":
		return strings.HasSuffix(filename, ".tar.gz")
	case "whl":
		return strings.HasSuffix(filename, ".whl")
	default:
		return false
	}
}
