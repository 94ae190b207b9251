package chorus

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

type dispatchFixture struct {
	ledger    *memLedger
	claims    *memClaims
	active    *memActive
	runner    *stubRunner
	broadcast *recordBroadcaster
	d         *Dispatcher
}

func newDispatchFixture(t *testing.T, opts ...DispatchOption) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		ledger:    &memLedger{},
		claims:    newMemClaims(),
		active:    newMemActive(),
		runner:    &stubRunner{},
		broadcast: &recordBroadcaster{},
	}
	invoker := NewInvoker(f.runner)
	recaller := NewRecaller(map[string]Layer{}, nopLedger{})
	f.d = NewDispatcher("ivy", "inst-1", f.ledger, f.claims, f.active,
		invoker, recaller, f.broadcast, opts...)
	t.Cleanup(f.d.Stop)
	return f
}

func TestHandleInbound_SkipsSelfMessages(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	if err := f.d.HandleInbound(ctx, Message{Channel: "chat:lobby", AuthorName: "ivy", Content: "hi", IsSelf: true}); err != nil {
		t.Fatal(err)
	}
	if err := f.d.HandleInbound(ctx, Message{Channel: "chat:lobby", AuthorName: "ivy", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if got := len(f.ledger.appended()); got != 0 {
		t.Errorf("appended %d self messages, want 0", got)
	}
}

func TestHandleInbound_SkipsDuplicates(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	m := Message{ExternalID: "ext-1", Channel: "chat:lobby", AuthorName: "ana", Content: "hey ivy"}

	if err := f.d.HandleInbound(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := f.d.HandleInbound(ctx, m); err != nil {
		t.Fatal(err)
	}

	if got := len(f.ledger.appended()); got != 1 {
		t.Errorf("appended %d, want 1", got)
	}
	if got := f.d.debouncer.Pending("chat:lobby"); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
}

func TestHandleInbound_MentionEntersActiveMode(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	if err := f.d.HandleInbound(ctx, Message{Channel: "chat:lobby", AuthorName: "ana", Content: "hey IVY, you there?"}); err != nil {
		t.Fatal(err)
	}

	if f.active.enterCalls != 1 {
		t.Errorf("Enter called %d times, want 1", f.active.enterCalls)
	}
	if got := f.d.debouncer.Pending("chat:lobby"); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}

	// An @-prefixed mention is caught by the plain-name match.
	if err := f.d.HandleInbound(ctx, Message{Channel: "chat:lobby", AuthorName: "ben", Content: "@ivy ping"}); err != nil {
		t.Fatal(err)
	}
	if got := f.d.debouncer.Pending("chat:lobby"); got != 2 {
		t.Errorf("pending = %d after @-mention, want 2", got)
	}
}

func TestHandleInbound_UnaddressedInactiveChannelIgnored(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	if err := f.d.HandleInbound(ctx, Message{Channel: "chat:lobby", AuthorName: "ana", Content: "what time is it"}); err != nil {
		t.Fatal(err)
	}

	// Appended to the ledger but never queued for a reply.
	if got := len(f.ledger.appended()); got != 1 {
		t.Errorf("appended %d, want 1", got)
	}
	if got := f.d.debouncer.Pending("chat:lobby"); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	if f.active.enterCalls != 0 {
		t.Errorf("Enter called %d times, want 0", f.active.enterCalls)
	}
}

func TestHandleInbound_ActiveChannelEnqueuesWithoutMention(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	if err := f.active.Enter(ctx, "chat:lobby", "inst-1"); err != nil {
		t.Fatal(err)
	}

	if err := f.d.HandleInbound(ctx, Message{Channel: "chat:lobby", AuthorName: "ana", Content: "what time is it"}); err != nil {
		t.Fatal(err)
	}
	if got := f.d.debouncer.Pending("chat:lobby"); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
}

func TestHandleInbound_DMCountsAsMention(t *testing.T) {
	f := newDispatchFixture(t, WithDMDetector(func(channel string) bool {
		return strings.HasPrefix(channel, "chat:dm-")
	}))
	ctx := context.Background()

	if err := f.d.HandleInbound(ctx, Message{Channel: "chat:dm-ana", AuthorName: "ana", Content: "morning"}); err != nil {
		t.Fatal(err)
	}
	if got := f.d.debouncer.Pending("chat:dm-ana"); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
}

func TestHandleInbound_GraphFanout(t *testing.T) {
	graph := &stubLayer{}
	f := newDispatchFixture(t, WithGraphFanout(graph))
	ctx := context.Background()

	if err := f.d.HandleInbound(ctx, Message{Channel: "chat:lobby", AuthorName: "ana", Content: "plain chatter"}); err != nil {
		t.Fatal(err)
	}
	if graph.storedCount() != 1 {
		t.Errorf("graph stored %d episodes, want 1", graph.storedCount())
	}
}

func TestOnBatchReady_FullTurn(t *testing.T) {
	f := newDispatchFixture(t)
	f.runner.results = []stubResult{{res: RunResult{Stdout: "hello ana"}}}
	batch := []Message{{ID: 7, Channel: "chat:lobby", AuthorName: "ana", Content: "hey ivy"}}

	f.d.onBatchReady("chat:lobby", batch)

	if got := f.broadcast.messages(); len(got) != 1 || got[0] != "hello ana" {
		t.Fatalf("broadcast = %v, want [hello ana]", got)
	}
	appended := f.ledger.appended()
	if len(appended) != 1 {
		t.Fatalf("appended %d, want the self reply", len(appended))
	}
	if !appended[0].IsSelf || appended[0].AuthorName != "ivy" {
		t.Errorf("reply recorded as %+v, want self message from ivy", appended[0])
	}
	if f.active.touchCalls != 1 {
		t.Errorf("Touch called %d times, want 1", f.active.touchCalls)
	}
	if f.claims.releaseCalls != 1 {
		t.Errorf("Release called %d times, want 1", f.claims.releaseCalls)
	}
}

func TestOnBatchReady_ClaimLostDiscardsBatch(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	// A peer instance holds the claim.
	if ok, err := f.claims.TryClaim(ctx, "chat:lobby", 7, "inst-2", DefaultClaimTTL); err != nil || !ok {
		t.Fatalf("setup claim: ok=%v err=%v", ok, err)
	}

	f.d.onBatchReady("chat:lobby", []Message{{ID: 7, Channel: "chat:lobby", AuthorName: "ana", Content: "hey ivy"}})

	if f.runner.callCount() != 0 {
		t.Errorf("worker invoked %d times despite lost claim", f.runner.callCount())
	}
	if got := f.broadcast.messages(); len(got) != 0 {
		t.Errorf("broadcast %v despite lost claim", got)
	}
}

func TestOnBatchReady_PassiveSkipTouchesWithoutBroadcast(t *testing.T) {
	f := newDispatchFixture(t)
	f.runner.results = []stubResult{{res: RunResult{Stdout: "  passive_skip  "}}}
	ctx := context.Background()
	if err := f.active.Enter(ctx, "chat:lobby", "inst-1"); err != nil {
		t.Fatal(err)
	}
	f.active.touchCalls = 0

	f.d.onBatchReady("chat:lobby", []Message{{ID: 3, Channel: "chat:lobby", AuthorName: "ana", Content: "mild chatter"}})

	if got := f.broadcast.messages(); len(got) != 0 {
		t.Errorf("broadcast %v for a passive skip", got)
	}
	if f.active.touchCalls != 1 {
		t.Errorf("Touch called %d times, want 1", f.active.touchCalls)
	}
	if f.claims.releaseCalls != 1 {
		t.Errorf("Release called %d times, want 1", f.claims.releaseCalls)
	}
}

func TestOnBatchReady_ClaimReleasedOnFailure(t *testing.T) {
	f := newDispatchFixture(t)
	f.runner.results = []stubResult{{res: RunResult{ExitCode: 1, Stderr: "worker blew up"}}}

	f.d.onBatchReady("chat:lobby", []Message{{ID: 9, Channel: "chat:lobby", AuthorName: "ana", Content: "hey ivy"}})

	if f.claims.releaseCalls != 1 {
		t.Errorf("Release called %d times after failed turn, want 1", f.claims.releaseCalls)
	}
	if got := f.broadcast.messages(); len(got) != 0 {
		t.Errorf("broadcast %v after failed turn", got)
	}
}

func TestOnBatchReady_RecordsMetrics(t *testing.T) {
	metrics := newCountingMetrics()
	f := newDispatchFixture(t, WithDispatchMetrics(metrics))
	f.runner.results = []stubResult{{res: RunResult{Stdout: "hello ana"}}}

	f.d.onBatchReady("chat:lobby", []Message{
		{ID: 6, Channel: "chat:lobby", AuthorName: "ana", Content: "hey ivy"},
		{ID: 7, Channel: "chat:lobby", AuthorName: "ben", Content: "also here"},
	})

	for event, want := range map[string]int{
		"batch_flushed":  2,
		"claim_won":      1,
		"claim_lost":     0,
		"turn_completed": 1,
		"turn_skipped":   0,
		"reply_sent":     1,
	} {
		if got := metrics.count(event); got != want {
			t.Errorf("%s = %d, want %d", event, got, want)
		}
	}
}

func TestOnBatchReady_RecordsClaimLost(t *testing.T) {
	metrics := newCountingMetrics()
	f := newDispatchFixture(t, WithDispatchMetrics(metrics))
	ctx := context.Background()
	if ok, err := f.claims.TryClaim(ctx, "chat:lobby", 7, "inst-2", DefaultClaimTTL); err != nil || !ok {
		t.Fatalf("setup claim: ok=%v err=%v", ok, err)
	}

	f.d.onBatchReady("chat:lobby", []Message{{ID: 7, Channel: "chat:lobby", AuthorName: "ana", Content: "hey ivy"}})

	if got := metrics.count("claim_lost"); got != 1 {
		t.Errorf("claim_lost = %d, want 1", got)
	}
	if got := metrics.count("turn_completed"); got != 0 {
		t.Errorf("turn_completed = %d, want 0", got)
	}
}

func TestOnBatchReady_CrystallizesAfterEnoughTurns(t *testing.T) {
	var crystallized []string
	f := newDispatchFixture(t, WithCrystallizer(func(_ context.Context, channel string) error {
		crystallized = append(crystallized, channel)
		return nil
	}, 2))
	f.runner.results = []stubResult{{res: RunResult{Stdout: "reply"}}}

	for i := int64(1); i <= 4; i++ {
		f.d.onBatchReady("chat:lobby", []Message{{ID: i, Channel: "chat:lobby", AuthorName: "ana", Content: "hey ivy"}})
	}
	if len(crystallized) != 2 {
		t.Errorf("crystallized %d times over 4 turns with window 2, want 2", len(crystallized))
	}
}

func TestChunkMessage(t *testing.T) {
	if got := chunkMessage("short"); len(got) != 1 || got[0] != "short" {
		t.Errorf("short message chunked: %v", got)
	}

	long := strings.Repeat("x", 4000)
	chunks := chunkMessage(long)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != ChunkSize || len(chunks[1]) != ChunkSize || len(chunks[2]) != 4000-2*ChunkSize {
		t.Errorf("chunk lengths = %d,%d,%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks do not reassemble the original")
	}
}

func TestChunkMessageMultibyte(t *testing.T) {
	// 3-byte runes; 1900 is not a multiple of 3, so a naive byte
	// split would land mid-rune.
	long := strings.Repeat("語", 1500)
	chunks := chunkMessage(long)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
		if len(c) > ChunkSize {
			t.Fatalf("chunk %d is %d bytes, over %d", i, len(c), ChunkSize)
		}
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks do not reassemble the original")
	}
}

func TestRuneBoundary(t *testing.T) {
	s := "ab語cd"
	for n := 0; n <= len(s); n++ {
		cut := runeBoundary(s, min(n, len(s)-1))
		if !utf8.ValidString(s[:cut]) {
			t.Errorf("n=%d: prefix %q invalid", n, s[:cut])
		}
	}
	if got := runeBoundary("abc", 2); got != 2 {
		t.Errorf("ascii boundary moved: got %d, want 2", got)
	}
}

func TestStripFraming(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain reply", "plain reply"},
		{"```\nfenced reply\n```", "fenced reply"},
		{"```markdown\nfenced reply\n```", "fenced reply"},
		{"  padded  ", "padded"},
	}
	for _, tt := range tests {
		if got := stripFraming(tt.in); got != tt.want {
			t.Errorf("stripFraming(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHalvePrompt(t *testing.T) {
	short := "keep me"
	if got := halvePrompt(short, 1); got != short {
		t.Errorf("short prompt changed: %q", got)
	}

	long := strings.Repeat("a", 2000) + strings.Repeat("b", 2000)
	got := halvePrompt(long, 1)
	if len(got) != 2000 {
		t.Errorf("len = %d, want 2000", len(got))
	}
	if !strings.HasSuffix(long, got) {
		t.Error("halvePrompt did not keep the tail")
	}
}

func TestPromptFromBundle(t *testing.T) {
	bundle := &RecallBundle{
		Clock: ClockBlock{Display: "Monday, January 5 2026 at 14:00 UTC"},
		Results: []SearchResult{
			{Content: "ana prefers tea", Source: LayerAnchors, Relevance: 0.9},
		},
	}
	batch := []Message{{AuthorName: "ana", Content: "morning"}}

	prompt := promptFromBundle(bundle, batch, false)
	if !strings.Contains(prompt, "ana prefers tea") {
		t.Error("recalled context missing from prompt")
	}
	if !strings.Contains(prompt, "ana: morning") {
		t.Error("batch transcript missing from prompt")
	}
	if strings.Contains(prompt, PassiveSkip) {
		t.Error("mentioned turn carries the passive-skip instruction")
	}

	prompt = promptFromBundle(bundle, batch, true)
	if !strings.Contains(prompt, PassiveSkip) {
		t.Error("active-only turn missing the passive-skip instruction")
	}
}
