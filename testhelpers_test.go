package chorus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// nopLedger satisfies the Ledger interface with no-ops. Embed this in
// test-specific ledger structs to avoid implementing every method.
type nopLedger struct{}

func (nopLedger) Append(_ context.Context, _ Message) (int64, bool, error)   { return 0, true, nil }
func (nopLedger) GetRange(_ context.Context, _ RangeQuery) ([]Message, error) { return nil, nil }
func (nopLedger) Search(_ context.Context, _ string, _ int) ([]ScoredMessage, error) {
	return nil, nil
}
func (nopLedger) CountUnsummarized(_ context.Context) (int, error)            { return 0, nil }
func (nopLedger) GetUnsummarized(_ context.Context, _ int) ([]Message, error) { return nil, nil }
func (nopLedger) MarkSummarized(_ context.Context, _, _, _ int64) error       { return nil }
func (nopLedger) InsertSummary(_ context.Context, _ Summary) (int64, error)   { return 1, nil }
func (nopLedger) RecentSummaries(_ context.Context, _ int) ([]Summary, error) { return nil, nil }
func (nopLedger) CountUningested(_ context.Context) (int, error)              { return 0, nil }
func (nopLedger) GetUningested(_ context.Context, _ int) ([]Message, error)   { return nil, nil }
func (nopLedger) MarkIngested(_ context.Context, _, _, _ int64) error         { return nil }
func (nopLedger) Prune(_ context.Context, _ int64) (int, error)               { return 0, nil }
func (nopLedger) Init(_ context.Context) error                                { return nil }
func (nopLedger) Close() error                                                { return nil }

// memLedger records appends with sequential ids and answers dedup by
// external id, enough for dispatcher tests.
type memLedger struct {
	nopLedger
	mu     sync.Mutex
	nextID int64
	msgs   []Message
}

func (l *memLedger) Append(_ context.Context, m Message) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m.ExternalID != "" {
		for _, prev := range l.msgs {
			if prev.ExternalID == m.ExternalID {
				return prev.ID, false, nil
			}
		}
	}
	l.nextID++
	m.ID = l.nextID
	l.msgs = append(l.msgs, m)
	return m.ID, true, nil
}

func (l *memLedger) appended() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.msgs...)
}

// memClaims is an in-process ClaimStore: one live claim per
// (channel, message), expiry by wall clock.
type memClaims struct {
	mu     sync.Mutex
	claims map[string]Claim

	tryCalls     int
	releaseCalls int
}

func newMemClaims() *memClaims {
	return &memClaims{claims: make(map[string]Claim)}
}

func claimKey(channel string, messageID int64) string {
	return fmt.Sprintf("%s/%d", channel, messageID)
}

func (c *memClaims) TryClaim(_ context.Context, channel string, messageID int64, instance string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tryCalls++
	key := claimKey(channel, messageID)
	now := time.Now().Unix()
	if prev, ok := c.claims[key]; ok && prev.ExpiresAt > now {
		return false, nil
	}
	c.claims[key] = Claim{
		ChannelID:  channel,
		MessageID:  messageID,
		InstanceID: instance,
		ClaimedAt:  now,
		ExpiresAt:  now + int64(ttl/time.Second),
	}
	return true, nil
}

func (c *memClaims) Release(_ context.Context, channel string, messageID int64, instance string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseCalls++
	key := claimKey(channel, messageID)
	if prev, ok := c.claims[key]; ok && prev.InstanceID == instance {
		delete(c.claims, key)
	}
	return nil
}

func (c *memClaims) SweepExpired(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().Unix()
	n := 0
	for k, cl := range c.claims {
		if cl.ExpiresAt <= now {
			delete(c.claims, k)
			n++
		}
	}
	return n, nil
}

// memActive is an in-process ActiveModeStore.
type memActive struct {
	mu      sync.Mutex
	entries map[string]ActiveMode

	enterCalls int
	touchCalls int
}

func newMemActive() *memActive {
	return &memActive{entries: make(map[string]ActiveMode)}
}

func (a *memActive) Enter(_ context.Context, channel, instance string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enterCalls++
	now := time.Now().Unix()
	mode, ok := a.entries[channel]
	if !ok {
		mode = ActiveMode{ChannelID: channel, EnteredAt: now}
	}
	mode.LastActivity = now
	mode.InstanceID = instance
	a.entries[channel] = mode
	return nil
}

func (a *memActive) Touch(_ context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touchCalls++
	if mode, ok := a.entries[channel]; ok {
		mode.LastActivity = time.Now().Unix()
		a.entries[channel] = mode
	}
	return nil
}

func (a *memActive) Exit(_ context.Context, channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, channel)
	return nil
}

func (a *memActive) IsActive(_ context.Context, channel string, timeout time.Duration) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	mode, ok := a.entries[channel]
	if !ok {
		return false, nil
	}
	return mode.LastActivity > time.Now().Add(-timeout).Unix(), nil
}

func (a *memActive) ListActive(_ context.Context, timeout time.Duration) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().Add(-timeout).Unix()
	var out []string
	for ch, mode := range a.entries {
		if mode.LastActivity > cutoff {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (a *memActive) Reap(_ context.Context, timeout time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().Add(-timeout).Unix()
	n := 0
	for ch, mode := range a.entries {
		if mode.LastActivity <= cutoff {
			delete(a.entries, ch)
			n++
		}
	}
	return n, nil
}

// stubResult scripts one Runner.Run return.
type stubResult struct {
	res RunResult
	err error
}

// stubRunner replays scripted results and records every request. The
// last result repeats once the script runs out.
type stubRunner struct {
	mu      sync.Mutex
	results []stubResult
	calls   []RunRequest
}

func (r *stubRunner) Run(_ context.Context, req RunRequest) (RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if len(r.results) == 0 {
		return RunResult{}, nil
	}
	i := len(r.calls) - 1
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	return r.results[i].res, r.results[i].err
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *stubRunner) call(i int) RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

// recordBroadcaster captures outbound chunks.
type recordBroadcaster struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (b *recordBroadcaster) Broadcast(_ context.Context, channel, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, content)
	return nil
}

func (b *recordBroadcaster) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

// stubLayer scripts Search hits and records Store calls.
type stubLayer struct {
	mu     sync.Mutex
	hits   []SearchResult
	err    error
	stored []string
}

func (l *stubLayer) Search(_ context.Context, _ string, _ int) ([]SearchResult, error) {
	return l.hits, l.err
}

func (l *stubLayer) Store(_ context.Context, content string, _ map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.stored = append(l.stored, content)
	return nil
}

func (l *stubLayer) Health(_ context.Context) LayerHealth {
	return LayerHealth{Available: l.err == nil}
}

func (l *stubLayer) storedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stored)
}

// memIndex is an in-memory VectorIndex: exact storage, query returns
// everything in insertion order without distances.
type memIndex struct {
	mu      sync.Mutex
	docs    map[string]IndexDoc
	order   []string
	upserts int
	deletes int
	pingErr error
}

func newMemIndex() *memIndex {
	return &memIndex{docs: make(map[string]IndexDoc)}
}

func (ix *memIndex) Entries(_ context.Context) (map[string]string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make(map[string]string, len(ix.docs))
	for name, doc := range ix.docs {
		out[name] = doc.Hash
	}
	return out, nil
}

func (ix *memIndex) Upsert(_ context.Context, doc IndexDoc) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.docs[doc.Name]; !ok {
		ix.order = append(ix.order, doc.Name)
	}
	ix.docs[doc.Name] = doc
	ix.upserts++
	return nil
}

func (ix *memIndex) Delete(_ context.Context, name string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.docs[name]; ok {
		delete(ix.docs, name)
		for i, n := range ix.order {
			if n == name {
				ix.order = append(ix.order[:i], ix.order[i+1:]...)
				break
			}
		}
	}
	ix.deletes++
	return nil
}

func (ix *memIndex) Query(_ context.Context, _ string, limit int) ([]IndexHit, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var hits []IndexHit
	for _, name := range ix.order {
		if limit > 0 && len(hits) >= limit {
			break
		}
		doc := ix.docs[name]
		hits = append(hits, IndexHit{Name: doc.Name, Content: doc.Content, Meta: doc.Meta})
	}
	return hits, nil
}

func (ix *memIndex) Drop(_ context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = make(map[string]IndexDoc)
	ix.order = nil
	return nil
}

func (ix *memIndex) Ping(_ context.Context) error { return ix.pingErr }

// countingMetrics tallies every Metrics event by name.
type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (m *countingMetrics) bump(event string, n int) {
	m.mu.Lock()
	m.counts[event] += n
	m.mu.Unlock()
}

func (m *countingMetrics) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[event]
}

func (m *countingMetrics) BatchFlushed(_ string, size int)     { m.bump("batch_flushed", size) }
func (m *countingMetrics) ClaimWon(string)                     { m.bump("claim_won", 1) }
func (m *countingMetrics) ClaimLost(string)                    { m.bump("claim_lost", 1) }
func (m *countingMetrics) TurnCompleted(string, time.Duration) { m.bump("turn_completed", 1) }
func (m *countingMetrics) TurnSkipped(string)                  { m.bump("turn_skipped", 1) }
func (m *countingMetrics) ReplySent(_ string, chunks int)      { m.bump("reply_sent", chunks) }
func (m *countingMetrics) WorkerInvoked(string, time.Duration) { m.bump("worker_invoked", 1) }
func (m *countingMetrics) SessionRestarted(_, _ string)        { m.bump("session_restarted", 1) }
func (m *countingMetrics) RecallCompleted(time.Duration)       { m.bump("recall_completed", 1) }

var (
	_ Ledger          = (*memLedger)(nil)
	_ ClaimStore      = (*memClaims)(nil)
	_ ActiveModeStore = (*memActive)(nil)
	_ Runner          = (*stubRunner)(nil)
	_ Broadcaster     = (*recordBroadcaster)(nil)
	_ Layer           = (*stubLayer)(nil)
	_ VectorIndex     = (*memIndex)(nil)
	_ Metrics         = (*countingMetrics)(nil)
)
