package monitor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// stateIncremental is the steady-state tick: fetch the remote serial, and
// if it has advanced past local_serial, replay every changelog activity
// strictly after local_serial in order.
func stateIncremental(ctx context.Context, c *Controller) (State, error) {
	log := zerolog.Ctx(ctx).With().Str("state", "Incremental").Logger()
	ctx = log.WithContext(ctx)

	err := c.withLock(ctx, func(ctx context.Context) error {
		local, ok, err := c.Store.LocalSerial(ctx)
		if err != nil {
			return fmt.Errorf("reading local serial: %w", err)
		}
		if !ok {
			// Another process raced us to bootstrap; nothing to replay yet.
			return nil
		}

		remote, err := c.Registry.ChangelogLastSerial(ctx)
		if err != nil {
			fetchErrorsTotal.WithLabelValues("changelog_last_serial").Inc()
			return fmt.Errorf("fetching changelog_last_serial: %w", err)
		}
		if remote <= local {
			return nil
		}

		log.Info().Int64("local_serial", local).Int64("remote_serial", remote).Msg("replaying changelog")
		entries, err := c.Registry.ChangelogSince(ctx, local)
		if err != nil {
			fetchErrorsTotal.WithLabelValues("changelog_since_serial").Inc()
			return fmt.Errorf("fetching changelog_since_serial(%d): %w", local, err)
		}

		var prevProject, prevVersion string
		for _, e := range entries {
			changelogActivitiesTotal.WithLabelValues(actionLabel(e.Action)).Inc()
			if err := c.handleChangelogEntry(ctx, e, prevProject, prevVersion); err != nil {
				log.Error().Err(err).Interface("entry", e).Msg("handling changelog entry failed")
			}
			prevProject, prevVersion = e.Name, e.Version
		}

		if err := c.Store.CommitSerial(ctx, remote); err != nil {
			return fmt.Errorf("committing serial %d: %w", remote, err)
		}
		localSerialGauge.Set(float64(remote))
		log.Info().Int64("serial", remote).Msg("changelog replay complete")
		return nil
	})
	if err != nil {
		return ControllerError, err
	}
	return Sleep, nil
}

// actionLabel collapses a free-form changelog action string to a small,
// bounded set of Prometheus label values.
func actionLabel(action string) string {
	switch {
	case action == "create", action == "remove project", action == "new release", action == "remove release":
		return action
	case strings.HasPrefix(action, "yank release"):
		return "yank release"
	case strings.HasPrefix(action, "unyank release"):
		return "unyank release"
	default:
		return "other"
	}
}
