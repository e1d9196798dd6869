package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pyreposcan/pyreposcan/internal/registry"
	"github.com/pyreposcan/pyreposcan/internal/scorer"
	"github.com/pyreposcan/pyreposcan/internal/store"
)

// fileActionRegex matches a file-level changelog activity ("add sdist file
// X", "remove file X").
var fileActionRegex = regexp.MustCompile(`(?:remove|add\s+\S+)\s+file\s+(\S+)`)

// ownerActionRegex / maintainerActionRegex extract the user name out of an
// owner/maintainer changelog activity.
var (
	ownerActionRegex      = regexp.MustCompile(`(?:add|invite|accepted|remove|change)\s+Owner\s+(\S+)`)
	maintainerActionRegex = regexp.MustCompile(`(?:add|invite|accepted|remove|change)\s+Maintainer\s+(\S+)`)
)

func extractUser(re *regexp.Regexp, action string) string {
	m := re.FindStringSubmatch(action)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// handleChangelogEntry replays one changelog activity against the store.
// prevProject/prevVersion carry the single-step memory used to coalesce
// repeated file activities on the same (project, version) into one release
// re-fetch.
func (c *Controller) handleChangelogEntry(ctx context.Context, e registry.ChangelogEntry, prevProject, prevVersion string) error {
	log := zerolog.Ctx(ctx).With().Str("project", e.Name).Str("version", e.Version).Str("action", e.Action).Logger()
	action := e.Action
	at := time.Unix(e.Timestamp, 0).UTC()

	switch {
	case action == "create":
		return c.actionCreateProject(ctx, e.Name)

	case action == "remove project":
		if err := c.Store.MarkProjectRemoved(ctx, e.Name, e.Serial, at); err != nil {
			return fmt.Errorf("marking project removed: %w", err)
		}
		return nil

	case strings.HasPrefix(action, "add Owner"), strings.HasPrefix(action, "accepted Owner"):
		return c.Store.AddOwner(ctx, e.Name, extractUser(ownerActionRegex, action))

	case strings.HasPrefix(action, "invite Owner"):
		return nil

	case strings.HasPrefix(action, "remove Owner"):
		return c.Store.RemoveOwner(ctx, e.Name, extractUser(ownerActionRegex, action))

	case strings.HasPrefix(action, "change Owner"):
		return c.Store.MoveOwnerToMaintainer(ctx, e.Name, extractUser(ownerActionRegex, action))

	case strings.HasPrefix(action, "add Maintainer"), strings.HasPrefix(action, "accepted Maintainer"):
		return c.Store.AddMaintainer(ctx, e.Name, extractUser(maintainerActionRegex, action))

	case strings.HasPrefix(action, "invite Maintainer"):
		return nil

	case strings.HasPrefix(action, "remove Maintainer"):
		return c.Store.RemoveMaintainer(ctx, e.Name, extractUser(maintainerActionRegex, action))

	case strings.HasPrefix(action, "change Maintainer"):
		// The registry documentation leaves this action's direction
		// ambiguous; it is applied symmetrically to "change Owner",
		// moving the other way, and logged so occurrences are visible.
		log.Info().Msg(`applying "change Maintainer" as maintainer-to-owner (unconfirmed upstream direction)`)
		return c.Store.MoveMaintainerToOwner(ctx, e.Name, extractUser(maintainerActionRegex, action))

	case action == "new release",
		strings.HasPrefix(action, "yank release"),
		strings.HasPrefix(action, "unyank release"),
		fileActionRegex.MatchString(action) && (e.Name != prevProject || e.Version != prevVersion):
		return c.actionRefetchRelease(ctx, e.Name, e.Version)

	case action == "remove release":
		if err := c.Store.MarkReleaseRemoved(ctx, e.Name, e.Version, e.Serial, at); err != nil {
			return fmt.Errorf("marking release removed: %w", err)
		}
		return nil

	case fileActionRegex.MatchString(action):
		// Same (project, version) as the previous activity: the release
		// fetch already performed for that activity covers this one too.
		return nil

	default:
		log.Debug().Msg("monitor doesn't support handling this activity currently")
		return nil
	}
}

func (c *Controller) actionCreateProject(ctx context.Context, name string) error {
	proj, err := c.Registry.FetchProject(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		zerolog.Ctx(ctx).Warn().Str("project", name).Msg("PyPI project metadata not found")
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
	p := store.Project{Name: name, Info: info, Suspicion: result.Score, Reasons: result.Reasons}
	if err := c.Store.InsertProject(ctx, p); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

// actionRefetchRelease re-fetches a project's metadata (update path — its
// suspicion/reasons are NOT recomputed, only its info snapshot is
// refreshed) and then its release metadata, enqueuing the release's files
// for download and inheriting the project's already-stored suspicion onto
// the release.
func (c *Controller) actionRefetchRelease(ctx context.Context, name, version string) error {
	log := zerolog.Ctx(ctx)

	proj, err := c.Registry.FetchProject(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		log.Warn().Str("project", name).Msg("PyPI project metadata not found")
		return nil
	}
	if err != nil {
		fetchErrorsTotal.WithLabelValues("fetch_project").Inc()
		return fmt.Errorf("fetching project metadata: %w", err)
	}

	existing, err := c.Store.FindProject(ctx, name, false)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading existing project: %w", err)
	}

	info, err := json.Marshal(proj)
	if err != nil {
		return fmt.Errorf("marshaling project info: %w", err)
	}
	if err := c.Store.UpdateProjectInfo(ctx, name, info, existing.Suspicion, existing.Reasons); err != nil {
		return fmt.Errorf("updating project info: %w", err)
	}

	rel, err := c.Registry.FetchRelease(ctx, name, version)
	if errors.Is(err, registry.ErrNotFound) {
		log.Warn().Str("project", name).Str("version", version).Msg("PyPI release metadata not found")
		return nil
	}
	if err != nil {
		fetchErrorsTotal.WithLabelValues("fetch_release").Inc()
		return fmt.Errorf("fetching release metadata: %w", err)
	}

	relInfo, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshaling release info: %w", err)
	}

	files := make([]store.FileDescriptor, 0, len(rel.Urls))
	for _, u := range rel.Urls {
		fd := store.FileDescriptor{Filename: u.Filename, URL: u.URL, Size: u.Size, UploadTime: u.UploadTime, Digests: u.Digests}
		files = append(files, fd)
		c.DownloadQueue.Push(DownloadTask{ProjectName: name, Version: version, File: fd, Suspicion: existing.Suspicion}, existing.Suspicion)
		DownloadQueueDepth.Set(float64(c.DownloadQueue.Len()))
	}

	r := store.Release{
		ProjectName: name,
		Version:     version,
		Info:        relInfo,
		Files:       files,
		Suspicion:   existing.Suspicion,
		Reasons:     existing.Reasons,
	}
	if err := c.Store.InsertRelease(ctx, r); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("inserting release: %w", err)
	}
	return nil
}
