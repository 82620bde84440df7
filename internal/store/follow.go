package store

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/modforge/genwatch/internal/derive"
	"github.com/modforge/genwatch/internal/engine"
	"github.com/modforge/genwatch/internal/logging"
	"github.com/modforge/genwatch/internal/redact"
)

// Source is what Follow watches. *engine.Engine satisfies it.
type Source interface {
	Snapshot() engine.Snapshot
	Subscribe() (<-chan struct{}, func())
}

// Follow records the attached session every time it changes, until ctx is
// done. Unchanged snapshots are not written again.
func (s *Store) Follow(ctx context.Context, src Source, logger *log.Logger) {
	logger = logging.OrDiscard(logger)
	changes, cancel := src.Subscribe()
	defer cancel()

	type key struct {
		id     string
		status string
		events int
		reason string
	}
	var last key
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		}

		snap := src.Snapshot()
		if snap.SessionID == "" {
			continue
		}
		// A reopen empties the log before the replay arrives; keep the
		// previous copy until there is something to replace it with.
		if len(snap.Events) == 0 && snap.Status == derive.StatusRunning {
			continue
		}
		// A replayed pause may already be resolved; wait for the check.
		if snap.ConfirmingPause {
			continue
		}
		k := key{snap.SessionID, string(snap.Status), len(snap.Events), snap.PauseReason}
		if k == last {
			continue
		}
		err := s.Record(ctx, Session{
			ID:          snap.SessionID,
			Status:      string(snap.Status),
			ArtifactID:  snap.ArtifactID,
			PauseReason: redact.String(snap.PauseReason),
		}, snap.Events)
		if err != nil {
			logger.Warn("cache session", "session", snap.SessionID, "err", err)
			continue
		}
		last = k
	}
}
