package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/go-appsec/authdiff/authdiff/config"
	"github.com/go-appsec/authdiff/authdiff/logger"
	"github.com/go-appsec/authdiff/authdiff/service/compare"
	"github.com/go-appsec/authdiff/authdiff/service/gate"
	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
	"github.com/go-appsec/authdiff/authdiff/service/mutate"
	"github.com/go-appsec/authdiff/authdiff/service/store"
)

// pollBatchSize caps exchanges fetched per history poll.
const pollBatchSize = 50

var (
	// ErrStopped is returned when the controller's actor loop is not running.
	ErrStopped = errors.New("pipeline stopped")
	// ErrRejected is returned when a manually processed request is self-generated.
	ErrRejected = errors.New("request rejected")
)

// ControllerOptions wires a Controller to its collaborators.
type ControllerOptions struct {
	Source     RequestSource
	Dispatcher Dispatcher
	Settings   SettingsProvider
	Scopes     ScopeProvider
	Sink       EventSink
	Pipeline   config.PipelineConfig
	Log        *logger.Logger

	// Now overrides the clock, used by tests.
	Now func() time.Time
}

// Status describes the pipeline state.
type Status struct {
	Enabled     bool   `json:"enabled"`
	Baseline    string `json:"baseline,omitempty"`
	Cursor      string `json:"cursor,omitempty"`
	Records     int    `json:"records"`
	Pending     int    `json:"pending"`
	Capacity    int    `json:"capacity"`
	Source      string `json:"source"`
	AuthHeaders bool   `json:"auth_headers_configured"`
	ActiveScope string `json:"active_scope,omitempty"`
}

// Controller runs the pipeline. A single actor goroutine (Run) owns every ledger mutation;
// processing runs in worker goroutines and only the final write goes through the actor.
type Controller struct {
	source     RequestSource
	dispatcher Dispatcher
	settings   SettingsProvider
	scopes     ScopeProvider
	sink       EventSink
	cfg        config.PipelineConfig
	log        *logger.Logger
	now        func() time.Time

	ledger  *store.Ledger
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	cmds    chan func()
	done    chan struct{}
	started chan struct{}
	runCtx  context.Context

	spawnMu sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	// actor state, only touched from Run
	enabled         bool
	generation      uint64
	baseline        string
	cursor          string
	guard           map[string]struct{}
	reconcileTicker *time.Ticker
	pollTicker      *time.Ticker
	reconciling     bool
	polling         bool
}

// NewController creates a disabled Controller. Call Run to start its actor loop.
func NewController(opts ControllerOptions) *Controller {
	cfg := opts.Pipeline
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = config.Duration(time.Second)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.Duration(time.Second)
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = config.Duration(30 * time.Second)
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Controller{
		source:     opts.Source,
		dispatcher: opts.Dispatcher,
		settings:   opts.Settings,
		scopes:     opts.Scopes,
		sink:       opts.Sink,
		cfg:        cfg,
		log:        log.WithComponent("pipeline"),
		now:        now,
		ledger:     store.NewLedger(cfg.LedgerCapacity),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cmds:       make(chan func()),
		done:       make(chan struct{}),
		started:    make(chan struct{}),
		guard:      make(map[string]struct{}),
	}
}

// Ledger returns the underlying ledger for read access.
func (c *Controller) Ledger() *store.Ledger {
	return c.ledger
}

// WaitTillStarted blocks until Run has started its loop.
func (c *Controller) WaitTillStarted() {
	<-c.started
}

// Run executes the actor loop until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	close(c.started)

	defer func() {
		c.stopTickers()
		cancel()
		c.spawnMu.Lock()
		c.stopped = true
		c.spawnMu.Unlock()
		close(c.done)
		c.wg.Wait()
	}()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case cmd := <-c.cmds:
			cmd()
		case <-tickerC(c.reconcileTicker):
			c.startReconcile()
		case <-tickerC(c.pollTicker):
			c.startPoll()
		}
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// do runs fn on the actor goroutine and waits for it to complete.
func (c *Controller) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(finished) }:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished // commands run inline in the loop
	return nil
}

// spawn runs fn in a tracked goroutine unless the controller has stopped.
func (c *Controller) spawn(fn func()) bool {
	c.spawnMu.Lock()
	defer c.spawnMu.Unlock()
	if c.stopped {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// notify emits the current snapshot. Must run on the actor.
func (c *Controller) notify() {
	if c.sink != nil {
		c.sink.LedgerChanged(c.ledger.Snapshot())
	}
}

// Enable records the baseline, clears the recursion guard and starts reconciliation and the
// history watcher. Enabling an enabled controller is a no-op.
func (c *Controller) Enable(ctx context.Context) error {
	baseline, err := c.source.Latest(ctx)
	if err != nil {
		return fmt.Errorf("failed to read latest request: %w", err)
	}

	return c.do(ctx, func() {
		if c.enabled {
			return
		}
		c.enabled = true
		c.generation++
		c.baseline = baseline
		c.cursor = baseline
		c.guard = make(map[string]struct{})
		c.reconcileTicker = time.NewTicker(c.cfg.ReconcileInterval.Std())
		c.pollTicker = time.NewTicker(c.cfg.PollInterval.Std())
		c.log.Infow("enabled", "baseline", baseline, "source", c.source.Name())
	})
}

// Disable stops reconciliation and the history watcher, clears the recursion guard and drains
// the pending set. Captured records are kept.
func (c *Controller) Disable(ctx context.Context) error {
	return c.do(ctx, func() {
		if !c.enabled {
			return
		}
		c.enabled = false
		c.generation++
		c.stopTickers()
		c.guard = make(map[string]struct{})
		drained := c.ledger.DrainPending()
		c.log.Infow("disabled", "drained_pending", drained, "records", c.ledger.Count())
	})
}

func (c *Controller) stopTickers() {
	if c.reconcileTicker != nil {
		c.reconcileTicker.Stop()
		c.reconcileTicker = nil
	}
	if c.pollTicker != nil {
		c.pollTicker.Stop()
		c.pollTicker = nil
	}
}

// Status reports the current state.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	settings := c.settings.Settings()
	st := Status{
		Capacity:    c.ledger.Capacity(),
		Source:      c.source.Name(),
		AuthHeaders: len(httpmsg.ParseHeaderBlock(settings.AuthHeaders)) > 0,
		ActiveScope: settings.ActiveScope,
	}
	err := c.do(ctx, func() {
		st.Enabled = c.enabled
		st.Baseline = c.baseline
		st.Cursor = c.cursor
		st.Records = c.ledger.Count()
		st.Pending = c.ledger.PendingCount()
	})
	return st, err
}

// Snapshot returns copies of all records, newest first.
func (c *Controller) Snapshot() []store.Record {
	return c.ledger.Snapshot()
}

// Clear empties the ledger and the pending set.
func (c *Controller) Clear(ctx context.Context) error {
	return c.do(ctx, func() {
		n := c.ledger.Count()
		c.ledger.Clear()
		c.log.Infow("ledger cleared", "records", n)
		c.notify()
	})
}

// Import loads previously exported records, replacing any with the same ID.
func (c *Controller) Import(ctx context.Context, records []store.Record) error {
	return c.do(ctx, func() {
		c.ledger.Import(records)
		c.notify()
	})
}

// OnIntercept handles one observed exchange. It is ignored while disabled or when the
// exchange was already seen since enabling. Accepted exchanges are processed asynchronously;
// the return value reports whether processing was scheduled.
func (c *Controller) OnIntercept(ctx context.Context, ex Exchange) bool {
	var admitted bool
	if err := c.do(ctx, func() {
		if !c.enabled {
			return
		} else if _, seen := c.guard[ex.ID]; seen {
			return
		}
		c.guard[ex.ID] = struct{}{}
		admitted = true
	}); err != nil || !admitted {
		return false
	}

	settings := c.settings.Settings()
	req, err := httpmsg.DecodeRequest(ex.Request)
	if err != nil {
		c.log.Debugw("skipping unparseable request", "id", ex.ID, "error", err)
		return false
	}
	scope, err := resolveScope(ctx, c.scopes, settings.ActiveScope)
	if err != nil {
		c.log.Warnw("failed to load scopes", "error", err)
		return false
	}
	decision := gate.Evaluate(gate.CandidateFromRequest(req, ex.Target.Hostname),
		httpmsg.ParseHeaderBlock(settings.AuthHeaders), settings.Filters, scope)
	if !decision.Accepted {
		c.log.Debugw("request filtered", "id", ex.ID, "reason", decision.Reason)
		return false
	}

	return c.spawn(func() {
		if _, err := c.processAcquired(c.runCtx, ex, settings); err != nil {
			c.log.Warnw("processing failed", "id", ex.ID, "error", err)
		}
	})
}

// ProcessOne processes a historical request regardless of the enabled state. Auth headers
// must be configured. Only self-generated detection is applied from the gate. A record whose
// responses are incomplete is only queued for reconciliation while enabled.
func (c *Controller) ProcessOne(ctx context.Context, id string) (*store.Record, error) {
	settings := c.settings.Settings()
	auth := httpmsg.ParseHeaderBlock(settings.AuthHeaders)
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrConfig, mutate.ErrNoAuthHeaders)
	}

	ex, err := c.source.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up request %s: %w", id, err)
	}

	req, err := httpmsg.DecodeRequest(ex.Request)
	if err != nil {
		return nil, err
	} else if gate.IsSelfGenerated(req.Headers, auth) {
		return nil, fmt.Errorf("%w: %s", ErrRejected, gate.ReasonSelfGenerated)
	}

	return c.processAcquired(ctx, *ex, settings)
}

func (c *Controller) processAcquired(ctx context.Context, ex Exchange, settings Settings) (*store.Record, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return c.process(ctx, ex, settings)
}

// process mutates, dispatches and classifies one exchange, then commits the record.
// A dispatch failure still commits the record with an unknown verdict.
func (c *Controller) process(ctx context.Context, ex Exchange, settings Settings) (*store.Record, error) {
	res, err := mutate.BuildModifiedRequest(ex.Request, settings.AuthHeaders, settings.Rules)
	if errors.Is(err, ErrParse) {
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	target := ex.Target
	if target.IsZero() {
		target = TargetFromHost(res.Host)
	}

	now := c.now()
	rec := store.Record{
		ID:          ex.ID,
		Method:      res.Method,
		Host:        res.Host,
		Path:        res.Path,
		OrigRequest: ex.Request,
		ModRequest:  res.Raw,
		Origin: store.Origin{
			Source:    c.source.Name(),
			SourceID:  ex.ID,
			Hostname:  target.Hostname,
			Port:      target.Port,
			UsesHTTPS: target.UsesHTTPS,
			Notes:     ex.Notes,
		},
		Verdict:   compare.VerdictUnknown,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(ex.Response) > 0 {
		rec.SetOriginalResponse(ex.Response)
	}

	pending := store.Pending{RecordID: rec.ID, QueuedAt: now}
	if len(rec.OrigResponse) == 0 {
		pending.OriginalRef = ex.ID
	}

	result, dispatchErr := c.dispatch(ctx, DispatchRequest{Raw: res.Raw, Target: target})
	if dispatchErr != nil {
		rec.Error = dispatchErr.Error()
	} else if len(result.Response) > 0 {
		rec.SetModifiedResponse(result.Response)
	} else if result.ResponseID != "" {
		pending.ModifiedRef = result.ResponseID
	}
	rec.Reclassify()

	incomplete := pending.OriginalRef != "" || pending.ModifiedRef != ""
	var queued bool
	if err := c.do(ctx, func() {
		if evicted := c.ledger.Insert(rec); len(evicted) > 0 {
			c.log.Debugw("ledger evicted records", "count", len(evicted))
		}
		// reconciliation only runs while enabled, so nothing else would drain the entry
		if incomplete && c.enabled {
			queued = c.ledger.MarkPending(pending)
		}
		c.notify()
	}); err != nil {
		return nil, err
	}

	if dispatchErr != nil {
		return nil, dispatchErr
	}
	c.log.Infow("processed", "id", rec.ID, "method", rec.Method, "host", rec.Host,
		"path", rec.Path, "verdict", rec.Verdict, "pending", queued)
	return &rec, nil
}

// dispatch sends the modified request under the rate limit and dispatch timeout.
func (c *Controller) dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if c.dispatcher == nil {
		return nil, fmt.Errorf("%w: no dispatcher available", ErrConfig)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDispatch, err)
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout.Std())
	defer cancel()

	start := c.now()
	result, err := c.dispatcher.Send(dctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDispatch, err)
	} else if result == nil {
		return nil, fmt.Errorf("%w: empty result", ErrDispatch)
	}
	if result.Duration == 0 {
		result.Duration = c.now().Sub(start)
	}
	return result, nil
}

// SendToReplay sends a record's original or modified request to the replay tool.
func (c *Controller) SendToReplay(ctx context.Context, id string, modified bool) error {
	rec, ok := c.ledger.Get(id)
	if !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, id)
	}
	raw := rec.OrigRequest
	if modified {
		raw = rec.ModRequest
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: record %s has no request", ErrNotFound, id)
	} else if c.dispatcher == nil {
		return fmt.Errorf("%w: no dispatcher available", ErrConfig)
	}

	target := Target{
		Hostname:  rec.Origin.Hostname,
		Port:      rec.Origin.Port,
		UsesHTTPS: rec.Origin.UsesHTTPS,
	}
	if target.IsZero() {
		target = TargetFromHost(rec.Host)
	}

	name := replayTabName(rec, target, modified)
	if err := c.dispatcher.SendToReplay(ctx, name, DispatchRequest{Raw: raw, Target: target}); err != nil {
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	c.log.Infow("sent to replay", "id", id, "modified", modified, "name", name)
	return nil
}

// replayTabName builds "ad-<domain><path> [id]" with the path shortened to 8 characters and
// subdomains stripped from the host.
func replayTabName(rec store.Record, target Target, modified bool) string {
	reqPath := rec.Path
	if len(reqPath) > 8 {
		reqPath = reqPath[:8] + ".."
	}
	domain := target.Hostname
	if parts := strings.Split(domain, "."); len(parts) > 2 {
		if len(parts[len(parts)-2]) <= 3 { // co.uk and similar
			domain = strings.Join(parts[len(parts)-3:], ".")
		} else {
			domain = strings.Join(parts[len(parts)-2:], ".")
		}
	}
	suffix := rec.ID
	if modified {
		suffix += " mod"
	}
	return fmt.Sprintf("ad-%s%s [%s]", domain, reqPath, suffix)
}
