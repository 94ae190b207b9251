package chorus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Session bounds. When any is exceeded the session is torn down and
// re-seeded with the caller's startup prompt before the next turn.
const (
	DefaultMaxContextTokens = 120_000
	DefaultMaxTurns         = 50
	DefaultMaxIdle          = 2 * time.Hour
	DefaultInvokeTimeout    = 180 * time.Second
)

// promptTooLongPatterns, matched case-insensitively against either
// output stream, flag a context-window overflow.
var promptTooLongPatterns = []string{
	"prompt is too long",
	"prompt_too_long",
	"context length exceeded",
	"maximum context length",
	"context_length_exceeded",
}

// refusalPhrases trip the identity-failure heuristic. The reply is
// still returned; a diagnostic artifact is written for inspection.
var refusalPhrases = []string{
	"i can't help with that",
	"i cannot help with that",
	"as an ai language model",
	"i don't have personal",
	"i am not able to assist",
}

// RunRequest is one call to an external worker process.
type RunRequest struct {
	Prompt     string
	SessionKey string
	Model      string // empty = runner default
	Resume     bool   // continue the prior session transcript
	Timeout    time.Duration
}

// RunResult carries both output streams of a finished worker run.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a single worker turn. Implementations live in the
// worker package (subprocess, docker).
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// PromptReducer shrinks a prompt after a too-long failure. attempt
// starts at 1. Returning the prompt unchanged ends the retry loop.
type PromptReducer func(prompt string, attempt int) string

// SessionBounds caps a worker session's lifetime.
type SessionBounds struct {
	MaxContextTokens int
	MaxTurns         int
	MaxIdle          time.Duration
}

func (b SessionBounds) withDefaults() SessionBounds {
	if b.MaxContextTokens <= 0 {
		b.MaxContextTokens = DefaultMaxContextTokens
	}
	if b.MaxTurns <= 0 {
		b.MaxTurns = DefaultMaxTurns
	}
	if b.MaxIdle <= 0 {
		b.MaxIdle = DefaultMaxIdle
	}
	return b
}

// session is the live accounting for one worker session.
type session struct {
	key           string
	turns         int
	contextTokens int
	lastUsed      time.Time
}

// estimateTokens is the rough chars/4 heuristic used for the context
// accumulator. It only needs to be monotone, not exact.
func estimateTokens(s string) int { return len(s) / 4 }

// InvokeOptions tunes a single Invoke call.
type InvokeOptions struct {
	UseSession    bool
	SessionKey    string
	Timeout       time.Duration
	ModelOverride string
	// StartupPrompt seeds a fresh session after a bound-triggered
	// restart. Required when UseSession is set.
	StartupPrompt string
}

// Invoker owns the daemon's worker sessions, one per logical channel
// family. Safe for concurrent use.
type Invoker struct {
	runner Runner
	bounds SessionBounds

	mu       sync.Mutex
	sessions map[string]*session

	artifactDir string
	now         func() time.Time
	tracer      Tracer
	metrics     Metrics
	logger      *slog.Logger
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithSessionBounds overrides the default session limits.
func WithSessionBounds(b SessionBounds) InvokerOption {
	return func(iv *Invoker) { iv.bounds = b.withDefaults() }
}

// WithArtifactDir sets where identity-failure diagnostics are written.
func WithArtifactDir(dir string) InvokerOption {
	return func(iv *Invoker) { iv.artifactDir = dir }
}

// WithInvokerLogger sets a structured logger.
func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(iv *Invoker) { iv.logger = l }
}

// WithInvokerTracer traces worker invocations.
func WithInvokerTracer(tr Tracer) InvokerOption {
	return func(iv *Invoker) { iv.tracer = tr }
}

// WithInvokerMetrics records invocation counts and session restarts.
func WithInvokerMetrics(m Metrics) InvokerOption {
	return func(iv *Invoker) {
		if m != nil {
			iv.metrics = m
		}
	}
}

// withInvokerClock overrides the time source. Tests only.
func withInvokerClock(now func() time.Time) InvokerOption {
	return func(iv *Invoker) { iv.now = now }
}

// NewInvoker builds an Invoker over a Runner.
func NewInvoker(runner Runner, opts ...InvokerOption) *Invoker {
	iv := &Invoker{
		runner:   runner,
		bounds:   SessionBounds{}.withDefaults(),
		sessions: make(map[string]*session),
		now:      time.Now,
		metrics:  nopMetrics{},
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(iv)
	}
	return iv
}

// Invoke runs one worker turn. An empty reply with a nil error means
// the worker chose not to respond. ErrPromptTooLong is returned when
// either stream matches an overflow pattern; transport failures come
// back wrapped.
func (iv *Invoker) Invoke(ctx context.Context, prompt string, opts InvokeOptions) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}

	req := RunRequest{
		Prompt:  prompt,
		Model:   opts.ModelOverride,
		Timeout: timeout,
	}
	if opts.UseSession {
		restarted, err := iv.checkAndRestart(ctx, opts)
		if err != nil {
			return "", err
		}
		req.SessionKey = opts.SessionKey
		req.Resume = !restarted
	}

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx, span := startSpan(iv.tracer, runCtx, "worker.invoke",
		StringAttr("session", opts.SessionKey), IntAttr("prompt_tokens", estimateTokens(prompt)))
	defer span.End()
	res, err := iv.runner.Run(runCtx, req)
	iv.metrics.WorkerInvoked(opts.SessionKey, time.Since(started))
	if err != nil {
		span.Error(err)
		return "", fmt.Errorf("invoke %q: %w", opts.SessionKey, err)
	}
	span.SetAttr(IntAttr("exit_code", res.ExitCode))

	if matchesAny(res.Stdout, promptTooLongPatterns) || matchesAny(res.Stderr, promptTooLongPatterns) {
		iv.logger.Warn("worker prompt too long",
			"session", opts.SessionKey, "prompt_tokens", estimateTokens(prompt))
		return "", ErrPromptTooLong
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("invoke %q: worker exited %d: %s",
			opts.SessionKey, res.ExitCode, firstLine(res.Stderr))
	}

	reply := strings.TrimSpace(res.Stdout)
	if opts.UseSession {
		iv.account(opts.SessionKey, prompt, reply)
	}
	if phrase := matchingPhrase(reply, refusalPhrases); phrase != "" {
		iv.writeArtifact(opts.SessionKey, phrase, prompt, reply)
	}

	iv.logger.Debug("worker invoked",
		"session", opts.SessionKey,
		"reply_len", len(reply),
		"duration", time.Since(started))
	return reply, nil
}

// InvokeWithRetry retries a too-long prompt through the reducer up to
// maxAttempts times. With no reducer, the first overflow is terminal.
func (iv *Invoker) InvokeWithRetry(ctx context.Context, prompt string, opts InvokeOptions, reduce PromptReducer, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		reply, err := iv.Invoke(ctx, prompt, opts)
		if err == nil || !IsPromptTooLong(err) {
			return reply, err
		}
		if reduce == nil || attempt >= maxAttempts {
			return "", err
		}
		reduced := reduce(prompt, attempt)
		if reduced == prompt {
			return "", err
		}
		iv.logger.Info("prompt reduced after overflow",
			"session", opts.SessionKey, "attempt", attempt,
			"before", len(prompt), "after", len(reduced))
		prompt = reduced
	}
}

// SessionStats reports (turns, contextTokens, exists) for a session.
func (iv *Invoker) SessionStats(key string) (int, int, bool) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	s, ok := iv.sessions[key]
	if !ok {
		return 0, 0, false
	}
	return s.turns, s.contextTokens, true
}

// Reset tears down a session unconditionally.
func (iv *Invoker) Reset(key string) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	delete(iv.sessions, key)
}

// checkAndRestart enforces the session bounds. Returns true when the
// session was torn down and re-seeded with the startup prompt.
func (iv *Invoker) checkAndRestart(ctx context.Context, opts InvokeOptions) (bool, error) {
	iv.mu.Lock()
	s, ok := iv.sessions[opts.SessionKey]
	if !ok {
		iv.sessions[opts.SessionKey] = &session{key: opts.SessionKey, lastUsed: iv.now()}
		iv.mu.Unlock()
		return true, iv.seed(ctx, opts)
	}
	reason := ""
	switch {
	case s.contextTokens > iv.bounds.MaxContextTokens:
		reason = "max_context"
	case s.turns >= iv.bounds.MaxTurns:
		reason = "max_turns"
	case iv.now().Sub(s.lastUsed) > iv.bounds.MaxIdle:
		reason = "max_idle"
	}
	if reason == "" {
		iv.mu.Unlock()
		return false, nil
	}
	iv.logger.Info("worker session restart",
		"session", opts.SessionKey, "reason", reason,
		"turns", s.turns, "context_tokens", s.contextTokens)
	iv.sessions[opts.SessionKey] = &session{key: opts.SessionKey, lastUsed: iv.now()}
	iv.mu.Unlock()
	iv.metrics.SessionRestarted(opts.SessionKey, reason)
	return true, iv.seed(ctx, opts)
}

// seed runs the startup prompt through a fresh session transcript.
func (iv *Invoker) seed(ctx context.Context, opts InvokeOptions) error {
	if opts.StartupPrompt == "" {
		return nil
	}
	runCtx, cancel := context.WithTimeout(ctx, DefaultInvokeTimeout)
	defer cancel()
	res, err := iv.runner.Run(runCtx, RunRequest{
		Prompt:     opts.StartupPrompt,
		SessionKey: opts.SessionKey,
		Model:      opts.ModelOverride,
		Timeout:    DefaultInvokeTimeout,
	})
	if err != nil {
		return fmt.Errorf("seed session %q: %w", opts.SessionKey, err)
	}
	iv.account(opts.SessionKey, opts.StartupPrompt, res.Stdout)
	return nil
}

func (iv *Invoker) account(key, prompt, reply string) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	s, ok := iv.sessions[key]
	if !ok {
		s = &session{key: key}
		iv.sessions[key] = s
	}
	s.turns++
	s.contextTokens += estimateTokens(prompt) + estimateTokens(reply)
	s.lastUsed = iv.now()
}

// writeArtifact drops a diagnostic file when a reply trips the
// refusal heuristic. Failures are logged, never surfaced.
func (iv *Invoker) writeArtifact(sessionKey, phrase, prompt, reply string) {
	iv.logger.Warn("identity failure heuristic tripped",
		"session", sessionKey, "phrase", phrase)
	if iv.artifactDir == "" {
		return
	}
	if err := os.MkdirAll(iv.artifactDir, 0o755); err != nil {
		iv.logger.Warn("artifact dir", "error", err)
		return
	}
	name := fmt.Sprintf("refusal-%s-%d.txt", sanitizeKey(sessionKey), iv.now().Unix())
	body := fmt.Sprintf("session: %s\nphrase: %s\ntime: %s\n\n--- prompt ---\n%s\n\n--- reply ---\n%s\n",
		sessionKey, phrase, iv.now().Format(time.RFC3339), prompt, reply)
	if err := os.WriteFile(filepath.Join(iv.artifactDir, name), []byte(body), 0o644); err != nil {
		iv.logger.Warn("artifact write", "error", err)
	}
}

func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func matchesAny(s string, patterns []string) bool {
	return matchingPhrase(s, patterns) != ""
}

func matchingPhrase(s string, phrases []string) string {
	low := strings.ToLower(s)
	for _, p := range phrases {
		if strings.Contains(low, p) {
			return p
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
