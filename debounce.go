package chorus

import (
	"log/slog"
	"sync"
	"time"
)

// Debounce defaults, overridable via DebounceConfig (seconds in the
// environment, durations here).
const (
	DefaultDebounceInitial      = 1500 * time.Millisecond
	DefaultDebounceHumanInitial = 5 * time.Second
	DefaultRapidThreshold       = 2 * time.Second
	DefaultDebounceIncrement    = time.Second
	DefaultDebounceMax          = 10 * time.Second
	DefaultPresenceWindow       = 5 * time.Minute
)

// DebounceConfig tunes the per-channel batching windows.
type DebounceConfig struct {
	// Initial is the first wait for bot-only or small channels.
	Initial time.Duration
	// HumanInitial is the first wait when the channel has ≥3 active
	// participants and at least one human, since people type slower.
	HumanInitial time.Duration
	// RapidThreshold: a message this soon after the previous one
	// escalates the wait.
	RapidThreshold time.Duration
	// Increment is added per escalation, capped at Max.
	Increment time.Duration
	Max       time.Duration
	// PresenceWindow bounds how recently an author must have spoken
	// to count as an active participant.
	PresenceWindow time.Duration
}

// withDefaults fills zero fields.
func (c DebounceConfig) withDefaults() DebounceConfig {
	if c.Initial <= 0 {
		c.Initial = DefaultDebounceInitial
	}
	if c.HumanInitial <= 0 {
		c.HumanInitial = DefaultDebounceHumanInitial
	}
	if c.RapidThreshold <= 0 {
		c.RapidThreshold = DefaultRapidThreshold
	}
	if c.Increment <= 0 {
		c.Increment = DefaultDebounceIncrement
	}
	if c.Max <= 0 {
		c.Max = DefaultDebounceMax
	}
	if c.PresenceWindow <= 0 {
		c.PresenceWindow = DefaultPresenceWindow
	}
	return c
}

// BatchReadyFunc receives a drained batch: all coalesced messages for
// one channel, in arrival order. The dispatcher supplies this callback
// at construction; the batcher never imports it.
type BatchReadyFunc func(channel string, msgs []Message)

// participant is one author seen in a channel recently.
type participant struct {
	lastSeen time.Time
	isBot    bool
}

// channelBatch is the pending state for one channel.
type channelBatch struct {
	msgs    []Message
	wait    time.Duration
	lastMsg time.Time
	timer   *time.Timer
	gen     uint64 // invalidates stale timer fires
}

// Debouncer coalesces rapidly-arriving messages per channel into one
// batch, escalating the wait while traffic keeps coming. It never
// drops: a message always lands in exactly one delivered batch.
type Debouncer struct {
	cfg      DebounceConfig
	onReady  BatchReadyFunc
	selfName string

	mu       sync.Mutex
	batches  map[string]*channelBatch
	topology map[string]map[string]participant // channel → author → presence
	bots     map[string]bool

	now    func() time.Time
	logger *slog.Logger
}

// DebounceOption configures a Debouncer.
type DebounceOption func(*Debouncer)

// WithDebounceLogger sets a structured logger.
func WithDebounceLogger(l *slog.Logger) DebounceOption {
	return func(d *Debouncer) { d.logger = l }
}

// WithKnownBots seeds the bot set from connection metadata; more are
// learned as messages arrive.
func WithKnownBots(names ...string) DebounceOption {
	return func(d *Debouncer) {
		for _, n := range names {
			d.bots[n] = true
		}
	}
}

// withClock overrides the time source. Tests only.
func withClock(now func() time.Time) DebounceOption {
	return func(d *Debouncer) { d.now = now }
}

// NewDebouncer creates a Debouncer. selfName identifies this daemon's
// own messages so it never counts itself as a participant. onReady is
// called from a timer goroutine with the drained batch.
func NewDebouncer(selfName string, cfg DebounceConfig, onReady BatchReadyFunc, opts ...DebounceOption) *Debouncer {
	d := &Debouncer{
		cfg:      cfg.withDefaults(),
		onReady:  onReady,
		selfName: selfName,
		batches:  make(map[string]*channelBatch),
		topology: make(map[string]map[string]participant),
		bots:     make(map[string]bool),
		now:      time.Now,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Observe records an author sighting for topology detection. Call for
// every inbound message, batched or not.
func (d *Debouncer) Observe(channel, author string, isBot bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := d.topology[channel]
	if ch == nil {
		ch = make(map[string]participant)
		d.topology[channel] = ch
	}
	ch[author] = participant{lastSeen: d.now(), isBot: isBot || d.bots[author]}
	if isBot {
		d.bots[author] = true
	}
}

// Topology reports (active participant count, humans present) for a
// channel, excluding this daemon itself.
func (d *Debouncer) Topology(channel string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.topologyLocked(channel)
}

func (d *Debouncer) topologyLocked(channel string) (int, bool) {
	cutoff := d.now().Add(-d.cfg.PresenceWindow)
	active, humans := 0, false
	for author, p := range d.topology[channel] {
		if author == d.selfName || p.lastSeen.Before(cutoff) {
			continue
		}
		active++
		if !p.isBot {
			humans = true
		}
	}
	return active, humans
}

// Enqueue adds a message to the channel's batch, starting one when none
// exists and escalating the wait when messages arrive rapidly. The
// pending timer is rescheduled from now.
func (d *Debouncer) Enqueue(channel string, m Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	b := d.batches[channel]
	if b == nil {
		wait := d.cfg.Initial
		if active, humans := d.topologyLocked(channel); active >= 3 && humans {
			wait = d.cfg.HumanInitial
		}
		b = &channelBatch{wait: wait}
		d.batches[channel] = b
		d.logger.Debug("batch started", "channel", channel, "wait", wait)
	} else if now.Sub(b.lastMsg) < d.cfg.RapidThreshold {
		b.wait = min(b.wait+d.cfg.Increment, d.cfg.Max)
		d.logger.Debug("batch escalated", "channel", channel, "wait", b.wait, "pending", len(b.msgs)+1)
	}

	b.msgs = append(b.msgs, m)
	b.lastMsg = now
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
	}
	gen := b.gen
	b.timer = time.AfterFunc(b.wait, func() { d.fire(channel, gen) })
}

// Pending returns how many messages are queued for a channel.
func (d *Debouncer) Pending(channel string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b := d.batches[channel]; b != nil {
		return len(b.msgs)
	}
	return 0
}

// Flush drains a channel's batch immediately, if one exists.
func (d *Debouncer) Flush(channel string) {
	d.mu.Lock()
	b := d.batches[channel]
	var msgs []Message
	if b != nil {
		if b.timer != nil {
			b.timer.Stop()
		}
		msgs = b.msgs
		delete(d.batches, channel)
	}
	d.mu.Unlock()
	if len(msgs) > 0 {
		d.onReady(channel, msgs)
	}
}

// Stop cancels all pending timers without delivering. Shutdown only.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch, b := range d.batches {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(d.batches, ch)
	}
}

// fire consumes a batch when its timer expires. The generation check
// makes a stale fire (one that lost a race with a reschedule) a no-op:
// the batch is consumed atomically under the mutex, exactly once.
func (d *Debouncer) fire(channel string, gen uint64) {
	d.mu.Lock()
	b := d.batches[channel]
	if b == nil || b.gen != gen {
		d.mu.Unlock()
		return
	}
	msgs := b.msgs
	delete(d.batches, channel)
	d.mu.Unlock()

	d.logger.Debug("batch ready", "channel", channel, "size", len(msgs))
	d.onReady(channel, msgs)
}
