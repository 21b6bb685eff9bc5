package service

import (
	"context"
)

// startPoll fetches traffic observed after the cursor unless a poll is still running.
// Must run on the actor.
func (c *Controller) startPoll() {
	if c.polling || !c.enabled {
		return
	}
	gen, cursor := c.generation, c.cursor
	if c.spawn(func() { c.poll(c.runCtx, gen, cursor) }) {
		c.polling = true
	}
}

// poll advances the cursor past new exchanges and feeds them to OnIntercept.
func (c *Controller) poll(ctx context.Context, gen uint64, cursor string) {
	exchanges, err := c.source.Since(ctx, cursor, pollBatchSize)
	if err != nil {
		c.log.Warnw("history poll failed", "cursor", cursor, "error", err)
	}

	var current bool
	if err := c.do(ctx, func() {
		c.polling = false
		current = gen == c.generation
		if current && len(exchanges) > 0 {
			c.cursor = exchanges[len(exchanges)-1].ID
		}
	}); err != nil || !current {
		return
	}

	for _, ex := range exchanges {
		c.OnIntercept(ctx, ex)
	}
}
