package service

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/go-appsec/authdiff/authdiff/service/store"
)

// resolution is the outcome of looking up one pending record's missing sides.
type resolution struct {
	pending  store.Pending
	original []byte
	modified []byte
	stale    bool // a ref can no longer be resolved
}

func (r resolution) changed() bool {
	return r.stale || len(r.original) > 0 || len(r.modified) > 0
}

// startReconcile begins a reconciliation pass unless one is still running.
// Must run on the actor.
func (c *Controller) startReconcile() {
	if c.reconciling || !c.enabled {
		return
	}
	pending := c.ledger.Pending()
	if len(pending) == 0 {
		return
	}

	gen := c.generation
	if c.spawn(func() { c.reconcile(c.runCtx, gen, pending) }) {
		c.reconciling = true
	}
}

// reconcile looks up every pending record and applies all resolutions in one actor command.
func (c *Controller) reconcile(ctx context.Context, gen uint64, pending []store.Pending) {
	results := make([]resolution, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrent)
	for i, p := range pending {
		g.Go(func() error {
			results[i] = c.lookupPending(gctx, p)
			return nil
		})
	}
	_ = g.Wait() // lookups never fail the group

	_ = c.do(ctx, func() {
		c.reconciling = false
		if gen != c.generation {
			return // disabled or re-enabled meanwhile, pending was drained
		}
		c.applyResolutions(results)
	})
}

// lookupPending fetches the missing sides of p through the request source.
func (c *Controller) lookupPending(ctx context.Context, p store.Pending) resolution {
	r := resolution{pending: p}
	if p.OriginalRef != "" {
		r.original, r.stale = c.lookupResponse(ctx, p.RecordID, p.OriginalRef)
	}
	if p.ModifiedRef != "" && !r.stale {
		r.modified, r.stale = c.lookupResponse(ctx, p.RecordID, p.ModifiedRef)
	}
	return r
}

func samePending(a, b store.Pending) bool {
	return a.OriginalRef == b.OriginalRef && a.ModifiedRef == b.ModifiedRef && a.QueuedAt.Equal(b.QueuedAt)
}

func (c *Controller) lookupResponse(ctx context.Context, recordID, ref string) ([]byte, bool) {
	ex, err := c.source.Lookup(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return nil, true
	} else if err != nil {
		c.log.Debugw("pending lookup failed", "id", recordID, "ref", ref, "error", err)
		return nil, false
	}
	return ex.Response, false
}

// applyResolutions updates records, resolves or narrows their pending entries and expires
// entries past the pending TTL. At most one notification is emitted. Must run on the actor.
func (c *Controller) applyResolutions(results []resolution) {
	now := c.now()
	var resolved, updated int
	for _, r := range results {
		if !r.changed() {
			continue
		} else if current, ok := c.ledger.PendingEntry(r.pending.RecordID); !ok || !samePending(current, r.pending) {
			continue // resolved or requeued by a reprocess while the lookup ran
		}
		id := r.pending.RecordID

		if r.stale {
			c.ledger.ResolvePending(id)
			resolved++
			c.log.Warnw("pending request no longer available", "id", id)
			continue
		}

		c.ledger.Update(id, func(rec *store.Record) {
			if len(r.original) > 0 {
				rec.SetOriginalResponse(r.original)
			}
			if len(r.modified) > 0 {
				rec.SetModifiedResponse(r.modified)
			}
			rec.Reclassify()
			rec.UpdatedAt = now
		})
		updated++

		remaining := r.pending
		if len(r.original) > 0 {
			remaining.OriginalRef = ""
		}
		if len(r.modified) > 0 {
			remaining.ModifiedRef = ""
		}
		if remaining.OriginalRef == "" && remaining.ModifiedRef == "" {
			c.ledger.ResolvePending(id)
			resolved++
		} else {
			c.ledger.MarkPending(remaining)
		}
	}

	if ttl := c.cfg.PendingTTL.Std(); ttl > 0 {
		for _, id := range c.ledger.ExpirePending(now.Add(-ttl)) {
			c.log.Warnw("pending request expired", "id", id, "ttl", ttl)
		}
	}

	if resolved > 0 || updated > 0 {
		c.log.Debugw("reconciled", "resolved", resolved, "updated", updated,
			"remaining", c.ledger.PendingCount())
		c.notify()
	}
}
