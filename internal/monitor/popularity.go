package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pyreposcan/pyreposcan/internal/scorer"
	"github.com/pyreposcan/pyreposcan/internal/store"
)

// popularTimeNeedUpdate reports whether the cached popularity snapshot is
// stale: a snapshot from the current year-month is still fresh; otherwise
// it's stale once the month has turned over (day > 1). Day 1 itself is
// treated as still-possibly-fresh, since the publisher refreshes at an
// unspecified hour of that day.
func popularTimeNeedUpdate(lastUpdate time.Time, now time.Time) bool {
	if lastUpdate.IsZero() {
		return true
	}
	if lastUpdate.Year() == now.Year() && lastUpdate.Month() == now.Month() {
		return false
	}
	return now.Day() > 1
}

// refreshPopularityIfStale loads the cached popularity snapshot if one
// hasn't been loaded yet, and re-fetches from the registry's popularity URL
// whenever popularTimeNeedUpdate says the cached snapshot is stale.
func (c *Controller) refreshPopularityIfStale(ctx context.Context) error {
	log := zerolog.Ctx(ctx)

	if !c.popularLoaded {
		if snap, ok, err := c.Store.LatestPopularity(ctx); err != nil {
			return fmt.Errorf("loading latest popularity snapshot: %w", err)
		} else if ok {
			c.popular = snap
		}
		c.popularLoaded = true
	}

	if !popularTimeNeedUpdate(c.popular.LastUpdate, time.Now()) {
		return nil
	}

	doc, err := c.Registry.FetchPopularity(ctx)
	if err != nil {
		fetchErrorsTotal.WithLabelValues("popularity").Inc()
		return fmt.Errorf("fetching popularity snapshot: %w", err)
	}

	snap := store.PopularitySnapshot{LastUpdate: time.Now()}
	for _, row := range doc.Rows {
		snap.Rows = append(snap.Rows, store.PopularEntry{Project: row.Project, DownloadCount: row.DownloadCount})
	}
	if err := c.Store.InsertPopularitySnapshot(ctx, snap); err != nil {
		return fmt.Errorf("storing popularity snapshot: %w", err)
	}
	c.popular = snap
	log.Info().Int("rows", len(snap.Rows)).Msg("updated popularity snapshot")
	return nil
}

// scorerPopular adapts the cached snapshot to the scorer's PopularEntry
// shape.
func (c *Controller) scorerPopular() []scorer.PopularEntry {
	out := make([]scorer.PopularEntry, len(c.popular.Rows))
	for i, r := range c.popular.Rows {
		out[i] = scorer.PopularEntry{Project: r.Project, DownloadCount: r.DownloadCount}
	}
	return out
}
