package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/pyreposcan/pyreposcan/internal/monitor"
	"github.com/pyreposcan/pyreposcan/internal/monitor/queue"
	"github.com/pyreposcan/pyreposcan/internal/scanner"
	"github.com/pyreposcan/pyreposcan/internal/store"
)

// Analyzer drains an analysis queue: it scans a locally-downloaded
// artifact with the taint analyzer, records the Result, marks the release
// analyzed, records any import-name aliases, and deletes the scratch
// copy.
type Analyzer struct {
	Queue   *queue.Queue
	Store   store.Store
	Scanner *scanner.Scanner
	Cover   bool
	Log     zerolog.Logger
}

// Run drains Queue until it is closed. It does not watch ctx itself; the
// controller closes the queues when its context is canceled.
func (a *Analyzer) Run(ctx context.Context) {
	log := a.Log.With().Str("component", "monitor/worker.Analyzer").Logger()
	for {
		item, ok := a.Queue.Pop()
		if !ok {
			log.Info().Msg("analysis queue closed, exiting")
			return
		}
		task, ok := item.Payload.(monitor.AnalyzeTask)
		if !ok {
			continue
		}
		monitor.AnalysisQueueDepth.Set(float64(a.Queue.Len()))
		if err := a.process(ctx, task); err != nil {
			log.Error().Err(err).Str("project", task.ProjectName).Str("filename", task.File.Filename).Msg("analyze failed")
		}
	}
}

func (a *Analyzer) process(ctx context.Context, task monitor.AnalyzeTask) error {
	log := zerolog.Ctx(ctx).With().Str("filename", task.File.Filename).Logger()
	defer func() {
		if task.LocalPath != "" {
			_ = os.Remove(task.LocalPath)
		}
	}()

	if !a.Cover {
		has, err := a.Store.HasResult(ctx, task.File.Filename)
		if err != nil {
			return fmt.Errorf("checking existing result: %w", err)
		}
		if has {
			return nil
		}
	}

	res, err := a.Scanner.Scan(ctx, task.LocalPath)
	if err != nil {
		return fmt.Errorf("scanning %q: %w", task.LocalPath, err)
	}

	if res.Metrics.Count > 0 {
		monitor.IssuesFoundTotal.Add(float64(res.Metrics.Count))
		log.Warn().
			Str("project", task.ProjectName).
			Str("version", task.Version).
			Int("issues", res.Metrics.Count).
			Msg("issues found in release")
	}

	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling metrics: %w", err)
	}
	issues, err := json.Marshal(res.Issues)
	if err != nil {
		return fmt.Errorf("marshaling issues: %w", err)
	}

	result := store.Result{
		Filename:    task.File.Filename,
		ProjectName: task.ProjectName,
		Version:     task.Version,
		URL: store.FileDescriptor{
			Filename:   task.File.Filename,
			URL:        task.File.URL,
			Size:       task.File.Size,
			UploadTime: task.File.UploadTime,
			Digests:    task.File.Digests,
		},
		AnalyzedAt: time.Now(),
		Metrics:    metrics,
		Issues:     issues,
	}
	if err := a.Store.UpsertResult(ctx, result); err != nil {
		return fmt.Errorf("storing result: %w", err)
	}

	if err := a.Store.MarkAnalyzed(ctx, task.ProjectName, task.Version, task.File.Filename); err != nil {
		return fmt.Errorf("marking analyzed: %w", err)
	}

	for _, importName := range res.ImportName {
		if importName == task.ProjectName {
			continue
		}
		alias := store.Alias{ProjectName: task.ProjectName, Version: task.Version, ImportName: importName}
		if err := a.Store.InsertAlias(ctx, alias); err != nil && !errors.Is(err, store.ErrDuplicate) {
			log.Warn().Err(err).Str("import_name", importName).Msg("recording alias failed")
		}
	}
	return nil
}
