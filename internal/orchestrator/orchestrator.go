// Package orchestrator drives the turn lifecycle:
//
//	Idle → Assembling → Invoking → Validating → Applying → Completed
//
// with Failed(reason) exits at every stage. Each campaign gets a dedicated
// worker goroutine consuming a FIFO queue, so at most one turn per campaign
// is ever in flight and turns complete in submission order. Workers for
// campaigns without recent activity are reaped after an idle TTL.
//
// Client cancellation is honored up to and including the model invocation;
// once a turn enters the apply stage it runs to completion on a detached
// context, because a half-applied turn is worse than a slow one. A soft
// wall-clock deadline bounds each turn; deadline expiry before the apply
// stage fails the turn with [ErrTurnTimeout] and leaves state untouched.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loreweaver/internal/agentclient"
	"github.com/loomworks/loreweaver/internal/assembler"
	"github.com/loomworks/loreweaver/internal/observe"
	"github.com/loomworks/loreweaver/pkg/game"
	"github.com/loomworks/loreweaver/pkg/memory"
)

// ErrTurnTimeout means the turn exceeded the soft deadline before reaching
// the apply stage. No state was changed.
var ErrTurnTimeout = errors.New("turn deadline exceeded")

// ErrQueueFull means the campaign's pending turn queue is at capacity.
var ErrQueueFull = errors.New("campaign turn queue full")

// ErrClosed means the orchestrator is shutting down and rejects new turns.
var ErrClosed = errors.New("orchestrator closed")

// TurnRequest is one player action submitted for processing.
type TurnRequest struct {
	CampaignID   uuid.UUID
	CharacterID  uuid.UUID
	PlayerAction string
}

// TurnResult is the outcome of a processed turn. Err is nil only when the
// turn succeeded; Turn is always populated with the terminal record.
type TurnResult struct {
	// Turn is the terminal turn record.
	Turn *game.Turn

	// Output is the validated agent output. Nil when the turn failed before
	// validation completed.
	Output *game.AgentOutput

	// StateSummary is the campaign state after the turn. Nil on failure.
	StateSummary map[string]any

	// Err carries the failure cause, wrapping the package sentinels.
	Err error
}

// Applier is the subset of the applier the orchestrator drives.
// Satisfied by *applier.Applier.
type Applier interface {
	Apply(ctx context.Context, campaign *game.Campaign, turn *game.Turn, out *game.AgentOutput) error
	RecordFailure(ctx context.Context, turn *game.Turn, status game.TurnStatus)
}

// Assembler is the subset of the assembler the orchestrator drives.
// Satisfied by *assembler.Assembler.
type Assembler interface {
	Assemble(ctx context.Context, campaignID, characterID uuid.UUID, playerAction string) (*assembler.TurnContext, error)
}

// Agent is the subset of the agent client the orchestrator drives.
// Satisfied by *agentclient.Client.
type Agent interface {
	Invoke(ctx context.Context, systemPrompt, playerAction string) (*game.AgentOutput, string, error)
}

// Orchestrator serializes and processes turns per campaign.
type Orchestrator struct {
	assembler Assembler
	agent     Agent
	applier   Applier
	memories  memory.Store

	softDeadline time.Duration
	queueCap     int
	idleTTL      time.Duration
	retention    memory.RetentionPolicy
	metrics      *observe.Metrics

	mu      sync.Mutex
	workers map[uuid.UUID]*worker
	closed  bool
	wg      sync.WaitGroup
}

// worker owns one campaign's turn queue.
type worker struct {
	campaignID uuid.UUID
	queue      chan *pendingTurn
	stop       chan struct{}
}

// pendingTurn pairs a request with its completion channel.
type pendingTurn struct {
	ctx  context.Context
	req  TurnRequest
	done chan *TurnResult
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithSoftDeadline bounds wall-clock time per turn. Defaults to 30s.
func WithSoftDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.softDeadline = d
		}
	}
}

// WithQueueCapacity bounds each campaign's pending queue. Defaults to 16.
func WithQueueCapacity(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queueCap = n
		}
	}
}

// WithIdleTTL sets how long a campaign worker survives without traffic
// before being reaped. Defaults to 5 minutes.
func WithIdleTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.idleTTL = d
		}
	}
}

// WithRetention sets the memory retention policy applied after each
// successful turn. The zero policy disables pruning.
func WithRetention(p memory.RetentionPolicy) Option {
	return func(o *Orchestrator) { o.retention = p }
}

// WithMetrics attaches a metrics instance. Defaults to
// [observe.DefaultMetrics] when nil.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an [Orchestrator] wiring the three turn stages together.
func New(asm Assembler, agent Agent, app Applier, memories memory.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		assembler:    asm,
		agent:        agent,
		applier:      app,
		memories:     memories,
		softDeadline: 30 * time.Second,
		queueCap:     16,
		idleTTL:      5 * time.Minute,
		workers:      make(map[uuid.UUID]*worker),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Submit enqueues a turn and blocks until it reaches a terminal state or ctx
// is cancelled. Turns for the same campaign complete in submission order. A
// full queue fails fast with [ErrQueueFull].
//
// If ctx is cancelled while the turn is queued or invoking, the turn ends as
// superseded; cancellation after the apply stage begins is ignored.
func (o *Orchestrator) Submit(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	p := &pendingTurn{
		ctx:  ctx,
		req:  req,
		done: make(chan *TurnResult, 1),
	}
	if err := o.enqueue(p); err != nil {
		return nil, err
	}

	select {
	case res := <-p.done:
		if res.Err != nil {
			return res, res.Err
		}
		return res, nil
	case <-ctx.Done():
		// The worker still drains p and delivers into the buffered channel.
		return nil, ctx.Err()
	}
}

// Close stops accepting turns, waits for in-flight work to finish, and
// reaps all workers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for _, w := range o.workers {
		close(w.stop)
	}
	o.mu.Unlock()

	o.wg.Wait()
}

// UpdateRetention replaces the retention policy applied after future turns.
// Safe for concurrent use with Submit.
func (o *Orchestrator) UpdateRetention(p memory.RetentionPolicy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retention = p
}

// enqueue hands p to its campaign's worker, spawning one if needed. The
// queue send happens under o.mu so reapIfIdle can never observe an empty
// queue that a concurrent Submit is about to fill.
func (o *Orchestrator) enqueue(p *pendingTurn) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	w, ok := o.workers[p.req.CampaignID]
	if !ok {
		w = &worker{
			campaignID: p.req.CampaignID,
			queue:      make(chan *pendingTurn, o.queueCap),
			stop:       make(chan struct{}),
		}
		o.workers[p.req.CampaignID] = w
		o.metrics.ActiveCampaigns.Add(context.Background(), 1)
		o.wg.Add(1)
		go o.runWorker(w)
	}

	select {
	case w.queue <- p:
		o.metrics.QueuedTurns.Add(p.ctx, 1)
		return nil
	default:
		return fmt.Errorf("campaign %s: %w", p.req.CampaignID, ErrQueueFull)
	}
}

// runWorker consumes one campaign's queue until stopped or idle-reaped.
func (o *Orchestrator) runWorker(w *worker) {
	defer o.wg.Done()
	defer o.metrics.ActiveCampaigns.Add(context.Background(), -1)

	idle := time.NewTimer(o.idleTTL)
	defer idle.Stop()

	for {
		select {
		case p := <-w.queue:
			o.metrics.QueuedTurns.Add(context.Background(), -1)
			p.done <- o.processTurn(p)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(o.idleTTL)

		case <-idle.C:
			if o.reapIfIdle(w) {
				return
			}
			idle.Reset(o.idleTTL)

		case <-w.stop:
			o.drain(w)
			return
		}
	}
}

// reapIfIdle removes w from the worker map when its queue is empty.
// Returns false when a submission raced the reap. Enqueues happen under
// o.mu, so an empty queue here cannot gain a turn before the worker leaves
// the map.
func (o *Orchestrator) reapIfIdle(w *worker) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(w.queue) > 0 {
		return false
	}
	delete(o.workers, w.campaignID)
	return true
}

// drain fails any still-queued turns during shutdown. Each drained turn gets
// a superseded record in the audit trail like any other failure path.
func (o *Orchestrator) drain(w *worker) {
	for {
		select {
		case p := <-w.queue:
			o.metrics.QueuedTurns.Add(context.Background(), -1)
			turn := &game.Turn{
				ID:           uuid.New(),
				CampaignID:   p.req.CampaignID,
				PlayerAction: p.req.PlayerAction,
			}
			o.applier.RecordFailure(context.Background(), turn, game.TurnSuperseded)
			p.done <- &TurnResult{Turn: turn, Err: ErrClosed}
		default:
			return
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Turn pipeline
// ─────────────────────────────────────────────────────────────────────────────

// processTurn runs one turn through all stages and returns its terminal
// result. Failure paths record a terminal turn on a detached context so the
// audit trail survives client disconnects.
func (o *Orchestrator) processTurn(p *pendingTurn) *TurnResult {
	start := time.Now()

	// Queued turns whose client already went away are not worth running.
	if p.ctx.Err() != nil {
		turn := &game.Turn{
			ID:           uuid.New(),
			CampaignID:   p.req.CampaignID,
			PlayerAction: p.req.PlayerAction,
		}
		return o.fail(p.ctx, turn, game.TurnSuperseded, nil, p.ctx.Err(), start)
	}

	ctx, cancel := context.WithTimeout(p.ctx, o.softDeadline)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "orchestrator.processTurn")
	defer span.End()
	log := observe.Logger(ctx).With("campaign_id", p.req.CampaignID)

	turn := &game.Turn{
		ID:           uuid.New(),
		CampaignID:   p.req.CampaignID,
		PlayerAction: p.req.PlayerAction,
	}

	// ── Assembling ───────────────────────────────────────────────────────────
	log.Debug("turn stage", "stage", "assembling")
	tc, err := o.assembler.Assemble(ctx, p.req.CampaignID, p.req.CharacterID, p.req.PlayerAction)
	if err != nil {
		return o.fail(ctx, turn, classify(ctx, err), nil, err, start)
	}
	// Provisional; the applier allocates the committed sequence at apply time.
	turn.Seq = tc.Campaign.TurnCounter + 1

	systemPrompt := assembler.FormatSystemPrompt(tc)
	turn.ContextSnapshot = systemPrompt

	// Cited memories must survive any concurrent prune until the turn ends.
	release := o.memories.Pin(memoryIDs(tc.Memories))
	defer release()

	// ── Invoking ─────────────────────────────────────────────────────────────
	log.Debug("turn stage", "stage", "invoking")
	out, raw, err := o.agent.Invoke(ctx, systemPrompt, p.req.PlayerAction)
	turn.RawOutput = raw
	if err != nil {
		return o.fail(ctx, turn, classify(ctx, err), nil, err, start)
	}

	// ── Applying ─────────────────────────────────────────────────────────────
	// Past this point the turn commits even if the client disconnects.
	log.Debug("turn stage", "stage", "applying")
	applyCtx := context.WithoutCancel(ctx)
	if err := o.applier.Apply(applyCtx, tc.Campaign, turn, out); err != nil {
		return o.fail(applyCtx, turn, classify(applyCtx, err), out, err, start)
	}

	o.pruneMemories(applyCtx, p.req.CampaignID, log)

	o.metrics.TurnDuration.Record(applyCtx, time.Since(start).Seconds())
	o.metrics.TurnsCompleted.Add(applyCtx, 1, metric.WithAttributes(
		attribute.String("status", string(game.TurnSucceeded))))
	log.Info("turn completed",
		"seq", turn.Seq,
		"deltas", len(turn.Deltas),
		"duration", time.Since(start))

	return &TurnResult{
		Turn:         turn,
		Output:       out,
		StateSummary: game.CloneState(tc.Campaign.State),
	}
}

// fail finalises a failed turn: records it, counts it, and builds the result.
func (o *Orchestrator) fail(ctx context.Context, turn *game.Turn, status game.TurnStatus, out *game.AgentOutput, cause error, start time.Time) *TurnResult {
	recordCtx := context.WithoutCancel(ctx)
	o.applier.RecordFailure(recordCtx, turn, status)

	if errors.Is(cause, context.DeadlineExceeded) && ctx.Err() != nil {
		cause = fmt.Errorf("%w: %w", ErrTurnTimeout, cause)
	}

	o.metrics.TurnDuration.Record(recordCtx, time.Since(start).Seconds())
	o.metrics.TurnsCompleted.Add(recordCtx, 1, metric.WithAttributes(
		attribute.String("status", string(status))))
	observe.Logger(recordCtx).Warn("turn failed",
		"campaign_id", turn.CampaignID,
		"seq", turn.Seq,
		"status", status,
		"error", cause)

	return &TurnResult{Turn: turn, Output: out, Err: cause}
}

// pruneMemories enforces the retention policy after a committed turn.
func (o *Orchestrator) pruneMemories(ctx context.Context, campaignID uuid.UUID, log *slog.Logger) {
	o.mu.Lock()
	policy := o.retention
	o.mu.Unlock()
	if policy.MaxCount == 0 && policy.MaxAge == 0 {
		return
	}
	removed, err := o.memories.Prune(ctx, campaignID, policy)
	if err != nil {
		log.Warn("memory pruning failed", "error", err)
		return
	}
	if removed > 0 {
		o.metrics.MemoriesPruned.Add(ctx, int64(removed))
		log.Debug("memories pruned", "removed", removed)
	}
}

// classify maps a stage error to the turn's terminal status.
func classify(ctx context.Context, err error) game.TurnStatus {
	switch {
	case errors.Is(err, context.Canceled):
		return game.TurnSuperseded
	case errors.Is(err, agentclient.ErrAgentOutputInvalid),
		errors.Is(err, game.ErrPreconditionFailed):
		return game.TurnFailedValidation
	default:
		return game.TurnFailedExternal
	}
}

// memoryIDs extracts the ids of retrieved memories for pinning.
func memoryIDs(mems []memory.ScoredMemory) []uuid.UUID {
	ids := make([]uuid.UUID, len(mems))
	for i, m := range mems {
		ids[i] = m.Memory.ID
	}
	return ids
}
