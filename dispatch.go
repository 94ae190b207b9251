package chorus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// PassiveSkip is the sentinel a worker returns when invoked under
// active mode and it chooses not to reply.
const PassiveSkip = "PASSIVE_SKIP"

// Outbound chunking bounds: replies over ChannelMessageLimit are split
// on ChunkSize boundaries into ordered sequential messages.
const (
	ChannelMessageLimit = 2000
	ChunkSize           = 1900
)

// DefaultCrystallizeTurns is how many completed reply turns on a
// channel trigger a crystallization pass.
const DefaultCrystallizeTurns = 25

// Broadcaster delivers an outbound reply to a channel. The chat fabric
// implements it; tests substitute a recorder.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel, content string) error
}

// Crystallizer is invoked after every DefaultCrystallizeTurns completed
// turns on a channel. Optional.
type Crystallizer func(ctx context.Context, channel string) error

// PromptBuilder renders a recall bundle plus a message batch into the
// worker prompt. The default rendering is promptFromBundle.
type PromptBuilder func(bundle *RecallBundle, batch []Message, activeOnly bool) string

// dispatchState names the per-channel machine states, for logs.
type dispatchState int

const (
	stateIdle dispatchState = iota
	stateBatching
	stateClaiming
	stateInvoking
	stateDelivering
	stateCooldown
)

func (s dispatchState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateBatching:
		return "batching"
	case stateClaiming:
		return "claiming"
	case stateInvoking:
		return "invoking"
	case stateDelivering:
		return "delivering"
	case stateCooldown:
		return "cooldown"
	}
	return "unknown"
}

// channelState serialises turn processing for one channel.
type channelState struct {
	mu         sync.Mutex
	state      dispatchState
	turnsSince int // completed turns since last crystallization
}

// Dispatcher runs the per-channel conversation state machine: ingest,
// batching, claiming, invocation, delivery. One Dispatcher per daemon.
type Dispatcher struct {
	ledger    Ledger
	claims    ClaimStore
	active    ActiveModeStore
	invoker   *Invoker
	recaller  *Recaller
	broadcast Broadcaster

	selfName   string
	instanceID string
	claimTTL   time.Duration
	activeTTL  time.Duration

	debouncer   *Debouncer
	debounceCfg DebounceConfig
	knownBots   []string

	// graph fan-out target; nil disables ingestion.
	graphLayer Layer

	crystallize      Crystallizer
	crystallizeTurns int
	buildPrompt      PromptBuilder

	isDM func(channel string) bool

	mu       sync.Mutex
	channels map[string]*channelState

	folder  cases.Caser
	tracer  Tracer
	metrics Metrics
	logger  *slog.Logger
}

// DispatchOption configures a Dispatcher.
type DispatchOption func(*Dispatcher)

// WithDispatchLogger sets a structured logger.
func WithDispatchLogger(l *slog.Logger) DispatchOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatchTracer traces turn processing.
func WithDispatchTracer(tr Tracer) DispatchOption {
	return func(d *Dispatcher) { d.tracer = tr }
}

// WithDispatchMetrics records turn counters and batch sizes.
func WithDispatchMetrics(m Metrics) DispatchOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithGraphFanout routes every inbound message into the graph layer as
// an episode, best effort.
func WithGraphFanout(layer Layer) DispatchOption {
	return func(d *Dispatcher) { d.graphLayer = layer }
}

// WithCrystallizer installs the periodic crystallization hook.
func WithCrystallizer(fn Crystallizer, everyTurns int) DispatchOption {
	return func(d *Dispatcher) {
		d.crystallize = fn
		if everyTurns > 0 {
			d.crystallizeTurns = everyTurns
		}
	}
}

// WithDMDetector marks channels where every inbound non-self message
// counts as a mention.
func WithDMDetector(isDM func(channel string) bool) DispatchOption {
	return func(d *Dispatcher) { d.isDM = isDM }
}

// WithClaimTTL overrides the claim lifetime.
func WithClaimTTL(ttl time.Duration) DispatchOption {
	return func(d *Dispatcher) { d.claimTTL = ttl }
}

// WithActiveModeTimeout overrides the active-mode window used for
// activity checks and touches.
func WithActiveModeTimeout(ttl time.Duration) DispatchOption {
	return func(d *Dispatcher) { d.activeTTL = ttl }
}

// WithPromptBuilder replaces the default prompt rendering.
func WithPromptBuilder(fn PromptBuilder) DispatchOption {
	return func(d *Dispatcher) { d.buildPrompt = fn }
}

// WithDebounceConfig tunes the embedded batcher.
func WithDebounceConfig(cfg DebounceConfig) DispatchOption {
	return func(d *Dispatcher) { d.debounceCfg = cfg }
}

// WithKnownBotNames seeds the batcher's bot set from connection
// metadata; more bots are still learned from message flags.
func WithKnownBotNames(names ...string) DispatchOption {
	return func(d *Dispatcher) { d.knownBots = append(d.knownBots, names...) }
}

// NewDispatcher wires the full pipeline. selfName is the daemon's
// display name for mention detection and self-filtering; instanceID
// identifies this process to the claim store.
func NewDispatcher(selfName, instanceID string, ledger Ledger, claims ClaimStore, active ActiveModeStore, invoker *Invoker, recaller *Recaller, broadcast Broadcaster, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{
		ledger:           ledger,
		claims:           claims,
		active:           active,
		invoker:          invoker,
		recaller:         recaller,
		broadcast:        broadcast,
		selfName:         selfName,
		instanceID:       instanceID,
		claimTTL:         DefaultClaimTTL,
		activeTTL:        DefaultActiveModeTimeout,
		crystallizeTurns: DefaultCrystallizeTurns,
		channels:         make(map[string]*channelState),
		folder:           cases.Fold(),
		metrics:          nopMetrics{},
		logger:           nopLogger,
	}
	d.buildPrompt = promptFromBundle
	for _, o := range opts {
		o(d)
	}
	d.debouncer = NewDebouncer(selfName, d.debounceCfg, d.onBatchReady,
		WithDebounceLogger(d.logger), WithKnownBots(d.knownBots...))
	return d
}

// HandleInbound processes one inbound message: append to the ledger,
// fan out to the graph, update topology, and enqueue for batching when
// the message warrants a reply.
func (d *Dispatcher) HandleInbound(ctx context.Context, m Message) error {
	if m.IsSelf || m.AuthorName == d.selfName {
		return nil
	}

	id, inserted, err := d.ledger.Append(ctx, m)
	if err != nil {
		return fmt.Errorf("dispatch append: %w", err)
	}
	if !inserted {
		d.logger.Debug("duplicate inbound skipped", "channel", m.Channel, "external_id", m.ExternalID)
		return nil
	}
	m.ID = id

	d.debouncer.Observe(m.Channel, m.AuthorName, m.IsBot)
	d.fanOutGraph(ctx, m)

	mention := d.isMention(m)
	activeNow := false
	if !mention {
		activeNow, err = d.active.IsActive(ctx, m.Channel, d.activeTTL)
		if err != nil {
			d.logger.Warn("active-mode check failed", "channel", m.Channel, "error", err)
		}
	}
	if !mention && !activeNow {
		return nil
	}

	if mention {
		if err := d.active.Enter(ctx, m.Channel, d.instanceID); err != nil {
			d.logger.Warn("active-mode enter failed", "channel", m.Channel, "error", err)
		}
	}
	d.setState(m.Channel, stateBatching)
	d.debouncer.Enqueue(m.Channel, m)
	return nil
}

// onBatchReady is the debouncer callback: one drained batch, one turn.
// Per-channel turns are serialised by the channel mutex; a claim that
// fails means another instance owns this turn.
func (d *Dispatcher) onBatchReady(channel string, batch []Message) {
	if len(batch) == 0 {
		return
	}
	cs := d.channel(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ctx, span := startSpan(d.tracer, context.Background(), "dispatch.turn",
		StringAttr("channel", channel), IntAttr("batch_size", len(batch)))
	defer span.End()
	d.metrics.BatchFlushed(channel, len(batch))
	turnStart := time.Now()
	last := batch[len(batch)-1]

	cs.state = stateClaiming
	ok, err := d.claims.TryClaim(ctx, channel, last.ID, d.instanceID, d.claimTTL)
	if err != nil {
		d.logger.Error("claim failed", "channel", channel, "message_id", last.ID, "error", err)
		span.Error(err)
		cs.state = stateIdle
		return
	}
	if !ok {
		d.logger.Debug("claim lost, discarding batch", "channel", channel, "message_id", last.ID, "size", len(batch))
		span.Event("claim_lost")
		d.metrics.ClaimLost(channel)
		cs.state = stateIdle
		return
	}
	d.metrics.ClaimWon(channel)
	defer func() {
		if err := d.claims.Release(ctx, channel, last.ID, d.instanceID); err != nil {
			d.logger.Warn("claim release failed", "channel", channel, "message_id", last.ID, "error", err)
		}
		cs.state = stateIdle
	}()

	mentioned := false
	for _, m := range batch {
		if d.isMention(m) {
			mentioned = true
			break
		}
	}

	cs.state = stateInvoking
	reply, err := d.runTurn(ctx, channel, batch, !mentioned)
	if err != nil {
		d.logger.Error("turn failed", "channel", channel, "error", err)
		span.Error(err)
		cs.state = stateCooldown
		return
	}
	if reply == "" {
		// Passive skip or deliberate silence: refresh presence, no broadcast.
		if terr := d.active.Touch(ctx, channel); terr != nil {
			d.logger.Warn("active-mode touch failed", "channel", channel, "error", terr)
		}
		d.metrics.TurnSkipped(channel)
		cs.state = stateCooldown
		return
	}

	cs.state = stateDelivering
	if err := d.deliver(ctx, channel, reply); err != nil {
		d.logger.Error("delivery failed", "channel", channel, "error", err)
		span.Error(err)
		cs.state = stateCooldown
		return
	}
	if err := d.active.Touch(ctx, channel); err != nil {
		d.logger.Warn("active-mode touch failed", "channel", channel, "error", err)
	}
	d.metrics.TurnCompleted(channel, time.Since(turnStart))

	cs.turnsSince++
	if d.crystallize != nil && cs.turnsSince >= d.crystallizeTurns {
		cs.turnsSince = 0
		if err := d.crystallize(ctx, channel); err != nil {
			d.logger.Warn("crystallization failed", "channel", channel, "error", err)
		}
	}
	cs.state = stateCooldown
}

// runTurn builds the prompt from ambient recall plus the batch and
// invokes the worker. Empty string means "no reply".
func (d *Dispatcher) runTurn(ctx context.Context, channel string, batch []Message, activeOnly bool) (string, error) {
	query := batch[len(batch)-1].Content
	bundle, err := d.recaller.Recall(ctx, query, DefaultRecallLimit)
	if err != nil {
		d.logger.Warn("recall failed, invoking without memory", "channel", channel, "error", err)
		bundle = &RecallBundle{}
	}
	prompt := d.buildPrompt(bundle, batch, activeOnly)

	reply, err := d.invoker.InvokeWithRetry(ctx, prompt, InvokeOptions{
		UseSession:    true,
		SessionKey:    "chat:" + channel,
		StartupPrompt: startupPromptFor(bundle),
	}, halvePrompt, 2)
	if err != nil {
		return "", err
	}

	reply = stripFraming(reply)
	if reply == "" || strings.EqualFold(strings.TrimSpace(reply), PassiveSkip) {
		d.logger.Debug("passive skip", "channel", channel, "active_only", activeOnly)
		return "", nil
	}
	return reply, nil
}

// deliver appends the self-reply to the ledger, broadcasts it in
// order-preserving chunks, and fans it into the graph.
func (d *Dispatcher) deliver(ctx context.Context, channel, reply string) error {
	self := Message{
		ExternalID: NewID(),
		Channel:    channel,
		AuthorName: d.selfName,
		Content:    reply,
		IsSelf:     true,
		IsBot:      true,
		CreatedAt:  NowUnix(),
	}
	id, _, err := d.ledger.Append(ctx, self)
	if err != nil {
		return fmt.Errorf("append reply: %w", err)
	}
	self.ID = id

	chunks := chunkMessage(reply)
	for _, chunk := range chunks {
		if err := d.broadcast.Broadcast(ctx, channel, chunk); err != nil {
			return fmt.Errorf("broadcast: %w", err)
		}
	}
	d.metrics.ReplySent(channel, len(chunks))
	d.fanOutGraph(ctx, self)
	return nil
}

// fanOutGraph ships one message into the knowledge graph as an
// episode. Best effort: failures log and move on.
func (d *Dispatcher) fanOutGraph(ctx context.Context, m Message) {
	if d.graphLayer == nil {
		return
	}
	err := d.graphLayer.Store(ctx, m.Content, map[string]string{
		"channel":    m.Channel,
		"author":     m.AuthorName,
		"message_id": fmt.Sprintf("%d", m.ID),
	})
	if err != nil {
		d.logger.Warn("graph fan-out failed", "channel", m.Channel, "error", err)
	}
}

// isMention reports whether a message addresses this daemon: the
// configured self-name anywhere in the body under case folding, with
// or without an @ prefix, or any message at all in a DM channel.
func (d *Dispatcher) isMention(m Message) bool {
	if d.isDM != nil && d.isDM(m.Channel) {
		return true
	}
	return strings.Contains(d.folder.String(m.Content), d.folder.String(d.selfName))
}

func (d *Dispatcher) channel(name string) *channelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := d.channels[name]
	if cs == nil {
		cs = &channelState{}
		d.channels[name] = cs
	}
	return cs
}

func (d *Dispatcher) setState(channel string, s dispatchState) {
	cs := d.channel(channel)
	cs.mu.Lock()
	cs.state = s
	cs.mu.Unlock()
}

// Stop cancels pending batches. Shutdown only.
func (d *Dispatcher) Stop() { d.debouncer.Stop() }

// chunkMessage splits an outbound reply that exceeds the channel limit
// into ordered chunks.
func chunkMessage(s string) []string {
	if len(s) <= ChannelMessageLimit {
		return []string{s}
	}
	var chunks []string
	for len(s) > ChunkSize {
		cut := runeBoundary(s, ChunkSize)
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

// runeBoundary backs n off to the nearest rune start so a byte-offset
// split never lands inside a multi-byte sequence.
func runeBoundary(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// stripFraming removes markers workers sometimes wrap replies in: a
// full-message code fence, or a leading "Name:" speaker label.
func stripFraming(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```") {
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
		if i := strings.IndexByte(inner, '\n'); i >= 0 && !strings.ContainsAny(inner[:i], " \t") {
			inner = inner[i+1:]
		}
		s = strings.TrimSpace(inner)
	}
	return s
}

// halvePrompt is the default reducer for prompt_too_long: drop the
// older half of the prompt, keeping the tail where the batch lives.
func halvePrompt(prompt string, attempt int) string {
	if len(prompt) < 2000 {
		return prompt
	}
	return prompt[runeBoundary(prompt, len(prompt)/2):]
}

// promptFromBundle is the default prompt rendering: clock, memory
// health, recalled context, then the batch transcript.
func promptFromBundle(bundle *RecallBundle, batch []Message, activeOnly bool) string {
	var b strings.Builder
	if bundle.Clock.Display != "" {
		b.WriteString("Current time: " + bundle.Clock.Display + "\n")
		if bundle.Clock.Note != "" {
			b.WriteString("(" + bundle.Clock.Note + ")\n")
		}
	}
	if bundle.MemoryHealth.Status != "" && bundle.MemoryHealth.Status != "healthy" {
		b.WriteString(fmt.Sprintf("Memory health: %s (%d unsummarized)\n",
			bundle.MemoryHealth.Status, bundle.UnsummarizedCount))
	}
	if len(bundle.Results) > 0 {
		b.WriteString("\nRecalled context:\n")
		for _, r := range bundle.Results {
			b.WriteString(fmt.Sprintf("- [%s %.2f] %s\n", r.Source, r.Relevance, truncate(r.Content, 400)))
		}
	}
	b.WriteString("\nNew messages:\n")
	for _, m := range batch {
		b.WriteString(m.AuthorName + ": " + m.Content + "\n")
	}
	if activeOnly {
		b.WriteString("\nYou were not directly addressed. Reply only if you have something worth adding; otherwise respond with exactly " + PassiveSkip + ".\n")
	}
	return b.String()
}

// startupPromptFor seeds a fresh worker session from the startup
// preset of a recall bundle.
func startupPromptFor(bundle *RecallBundle) string {
	var b strings.Builder
	b.WriteString("Session start.\n")
	if len(bundle.Summaries) > 0 {
		b.WriteString("\nRecent conversation summaries:\n")
		for _, s := range bundle.Summaries {
			b.WriteString("- " + s.Text + "\n")
		}
	}
	return b.String()
}
