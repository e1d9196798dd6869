package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pyreposcan/pyreposcan/internal/registry"
	"github.com/pyreposcan/pyreposcan/internal/scorer"
	"github.com/pyreposcan/pyreposcan/internal/store"
)

// stateBootstrap performs the full project/release crawl that seeds an
// empty store: every project, every release, every file enqueued for
// download, and the index serial committed at the end.
func stateBootstrap(ctx context.Context, c *Controller) (State, error) {
	log := zerolog.Ctx(ctx).With().Str("state", "Bootstrap").Logger()
	ctx = log.WithContext(ctx)

	var pendingSerial int64
	err := c.withLock(ctx, func(ctx context.Context) error {
		if err := c.refreshPopularityIfStale(ctx); err != nil {
			log.Warn().Err(err).Msg("refreshing popularity snapshot failed")
		}

		serial, names, err := c.Registry.ListProjects(ctx)
		if err != nil {
			return fmt.Errorf("listing projects: %w", err)
		}
		pendingSerial = serial
		log.Info().Int64("serial", serial).Int("projects", len(names)).Msg("beginning full crawl")

		for _, name := range names {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := c.bootstrapProject(ctx, name); err != nil {
				log.Error().Err(err).Str("project", name).Msg("bootstrapping project failed")
			}
		}

		if err := c.Store.CommitSerial(ctx, pendingSerial); err != nil {
			return fmt.Errorf("committing serial %d: %w", pendingSerial, err)
		}
		localSerialGauge.Set(float64(pendingSerial))
		log.Info().Int64("serial", pendingSerial).Msg("full crawl complete")
		return nil
	})
	if err != nil {
		return ControllerError, err
	}
	return Sleep, nil
}

// bootstrapProject fetches one project's metadata and every one of its
// releases, inheriting the project's suspicion score onto each release and
// enqueuing every release's files for download.
func (c *Controller) bootstrapProject(ctx context.Context, name string) error {
	log := zerolog.Ctx(ctx)

	proj, err := c.Registry.FetchProject(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		log.Debug().Str("project", name).Msg("project metadata not found")
		return nil
	}
	if err != nil {
		fetchErrorsTotal.WithLabelValues("fetch_project").Inc()
		return fmt.Errorf("fetching project metadata: %w", err)
	}

	result, err := scorer.Score(name, c.scorerPopular(), c.Config.LevenshteinDistance, storeLookups{ctx: ctx, st: c.Store})
	if err != nil {
		return fmt.Errorf("scoring project: %w", err)
	}

	info, err := json.Marshal(proj)
	if err != nil {
		return fmt.Errorf("marshaling project info: %w", err)
	}
	p := store.Project{
		Name:      name,
		Info:      info,
		Suspicion: result.Score,
		Reasons:   result.Reasons,
	}
	if err := c.Store.InsertProject(ctx, p); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("inserting project: %w", err)
	}

	_, versions, err := c.Registry.ListVersions(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	if err != nil {
		fetchErrorsTotal.WithLabelValues("list_versions").Inc()
		return fmt.Errorf("listing versions: %w", err)
	}

	var pending []store.Release
	for _, version := range versions {
		if !validateVersion(version) {
			log.Debug().Str("project", name).Str("version", version).Msg("skipping unparseable version")
			continue
		}
		r, ok, err := c.bootstrapRelease(ctx, name, version, result)
		if err != nil {
			log.Error().Err(err).Str("project", name).Str("version", version).Msg("bootstrapping release failed")
			continue
		}
		if ok {
			pending = append(pending, r)
		}
	}
	return c.insertReleases(ctx, pending)
}

// bulkReleaser is the additive bulk-insert capability of the Postgres
// store; a store without it (e.g. a test double) falls back to one
// InsertRelease per row.
type bulkReleaser interface {
	BulkInsertReleases(ctx context.Context, releases []store.Release) error
}

func (c *Controller) insertReleases(ctx context.Context, releases []store.Release) error {
	if len(releases) == 0 {
		return nil
	}
	if br, ok := c.Store.(bulkReleaser); ok {
		if err := br.BulkInsertReleases(ctx, releases); err != nil {
			return fmt.Errorf("bulk inserting releases: %w", err)
		}
		return nil
	}
	for _, r := range releases {
		if err := c.Store.InsertRelease(ctx, r); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("inserting release: %w", err)
		}
	}
	return nil
}

// bootstrapRelease fetches one release's metadata and enqueues its files
// for download; the built release row is returned for the caller to land,
// batched with its siblings. ok is false when the registry had no metadata
// for this version.
func (c *Controller) bootstrapRelease(ctx context.Context, name, version string, projectResult scorer.Result) (store.Release, bool, error) {
	rel, err := c.Registry.FetchRelease(ctx, name, version)
	if errors.Is(err, registry.ErrNotFound) {
		zerolog.Ctx(ctx).Debug().Str("project", name).Str("version", version).Msg("release metadata not found")
		return store.Release{}, false, nil
	}
	if err != nil {
		fetchErrorsTotal.WithLabelValues("fetch_release").Inc()
		return store.Release{}, false, fmt.Errorf("fetching release metadata: %w", err)
	}

	info, err := json.Marshal(rel)
	if err != nil {
		return store.Release{}, false, fmt.Errorf("marshaling release info: %w", err)
	}

	files := make([]store.FileDescriptor, 0, len(rel.Urls))
	for _, u := range rel.Urls {
		fd := store.FileDescriptor{
			Filename:   u.Filename,
			URL:        u.URL,
			Size:       u.Size,
			UploadTime: u.UploadTime,
			Digests:    u.Digests,
		}
		files = append(files, fd)
		c.DownloadQueue.Push(DownloadTask{
			ProjectName: name,
			Version:     version,
			File:        fd,
			Suspicion:   projectResult.Score,
		}, projectResult.Score)
		DownloadQueueDepth.Set(float64(c.DownloadQueue.Len()))
	}

	r := store.Release{
		ProjectName: name,
		Version:     version,
		Info:        info,
		Files:       files,
		Suspicion:   projectResult.Score,
		Reasons:     projectResult.Reasons,
	}
	return r, true, nil
}
