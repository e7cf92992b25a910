package client

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultCatchUpLimit bounds one catch-up page.
	DefaultCatchUpLimit = 200
	// maxIncrementalOffline is the longest offline gap worth replaying
	// change by change; anything older snapshots instead.
	maxIncrementalOffline = 24 * time.Hour
)

// CursorStore persists the client's change-log position across restarts.
// flush asks for an immediate durable write instead of buffered persistence.
type CursorStore interface {
	LoadCursor() (cursor int64, lastSync time.Time, err error)
	SaveCursor(cursor int64, lastSync time.Time, flush bool) error
}

// Snapshotter refreshes the whole local replica when incremental catch-up
// is not worth it or not possible.
type Snapshotter interface {
	SnapshotAll(ctx context.Context) error
}

// Reconciler drives catch-up after a reconnect.
type Reconciler struct {
	client   *Client
	applier  *Applier
	cursors  CursorStore
	snapshot Snapshotter
	// Limit bounds one catch-up page.
	Limit int

	// IsMaterialized gates transcript catch-up; nil means no transcripts
	// are loaded.
	IsMaterialized func(sessionID string) bool

	now func() time.Time
}

func NewReconciler(c *Client, applier *Applier, cursors CursorStore, snapshot Snapshotter) *Reconciler {
	return &Reconciler{
		client:   c,
		applier:  applier,
		cursors:  cursors,
		snapshot: snapshot,
		Limit:    DefaultCatchUpLimit,
		now:      time.Now,
	}
}

// Resume catches the local replica up to the relay. Three paths: a small
// change page is planned and applied; a saturated page or a long offline
// gap snapshots everything; cursor-gone snapshots and adopts the relay's
// current cursor.
func (r *Reconciler) Resume(ctx context.Context) error {
	cursor, lastSync, err := r.cursors.LoadCursor()
	if err != nil {
		return err
	}
	now := r.now()

	if !lastSync.IsZero() && now.Sub(lastSync) > maxIncrementalOffline {
		return r.snapshotAndAdopt(ctx, now)
	}

	page, err := r.client.GetChanges(ctx, cursor, r.Limit)
	if err != nil {
		var gone *CursorGoneError
		if errors.As(err, &gone) {
			if err := r.snapshot.SnapshotAll(ctx); err != nil {
				return err
			}
			return r.cursors.SaveCursor(gone.CurrentCursor, now, true)
		}
		return err
	}

	if len(page.Changes) >= r.Limit {
		return r.snapshotAndAdopt(ctx, now)
	}

	plan := BuildPlan(page.Changes, r.IsMaterialized)
	if err := r.applier.Apply(ctx, plan); err != nil {
		return err
	}
	return r.cursors.SaveCursor(page.NextCursor, now, false)
}

func (r *Reconciler) snapshotAndAdopt(ctx context.Context, now time.Time) error {
	// Read the head cursor before snapshotting so changes that land during
	// the snapshot are replayed afterwards rather than skipped.
	info, err := r.client.GetCursor(ctx)
	if err != nil {
		return err
	}
	if err := r.snapshot.SnapshotAll(ctx); err != nil {
		return err
	}
	return r.cursors.SaveCursor(info.Cursor, now, true)
}
