// Package watch implements PersistentInotifyWatcher (spec §4.10): one
// long-lived monitor session per configured watch root, started in
// progressive mode (shallow first, then a recursive deep session), with
// a retry gate for deep-session start failures.
//
// The session and retry-gate state machine is grounded on
// objectfs's pkg/recovery.ConnectionManager's Disconnected/Connecting/Connected/
// Reconnecting/Failed states, relabeled here to watch-session states.
package watch

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mergefsd/mergefsd/internal/executor"
)

// SessionState mirrors objectfs's pkg/recovery.ConnectionState for a watch session.
type SessionState int

const (
	StateStopped SessionState = iota
	StateStarting
	StateRunning
	StateRestarting
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome classifies one Poll call.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeTimedOut     Outcome = "timed_out"
	OutcomeToolNotFound Outcome = "tool_not_found"
	OutcomeCommandFailed Outcome = "command_failed"
)

// Event is one observed filesystem change signal.
type Event struct {
	Root string
	Path string
	Op   string
}

// Warning carries a stable diagnostic code.
type Warning struct {
	Code    string
	Message string
}

const (
	// WarnDeepSessionStartFailed fires when a recursive watch failed to
	// start and was requeued behind the retry gate.
	WarnDeepSessionStartFailed = "WATCH-001"
	// WarnDeepSessionStopped fires when a running deep session exited
	// between polls and was requeued.
	WarnDeepSessionStopped = "WATCH-002"
)

// Clock returns the current instant; inject a fake for deterministic
// retry-gate tests instead of reading the wall clock in hot paths.
type Clock func() time.Time

// Config configures one Watcher.
type Config struct {
	Roots                  []string
	SessionTimeout         time.Duration // per-poll inotifywait -t value
	RetryDelay             time.Duration
	MaxRetryDelay          time.Duration
	RetryBackoffMultiplier float64
	Clock                  Clock
}

func (c *Config) applyDefaults() {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 2 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 1 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.RetryBackoffMultiplier <= 1 {
		c.RetryBackoffMultiplier = 2.0
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type rootSession struct {
	root        string
	state       SessionState
	retryDelay  time.Duration
	nextRetryAt time.Time
}

// Watcher maintains one session per root and accumulates events and
// warnings for Poll to drain.
type Watcher struct {
	exec   *executor.Executor
	config Config

	mu       sync.Mutex
	sessions map[string]*rootSession
	events   []Event
	warnings []Warning
	running  bool
}

// New creates a Watcher. Start must be called before Poll.
func New(exec *executor.Executor, config Config) *Watcher {
	config.applyDefaults()
	return &Watcher{exec: exec, config: config, sessions: make(map[string]*rootSession)}
}

// Start begins progressive startup: a shallow (non-recursive) watch at
// each root, then a recursive deep session attempt for each root. Safe
// to call once; subsequent calls are no-ops.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	for _, root := range w.config.Roots {
		w.sessions[root] = &rootSession{root: root, state: StateStarting, retryDelay: w.config.RetryDelay}
	}
	w.mu.Unlock()

	for _, root := range w.config.Roots {
		go w.runRoot(ctx, root)
	}
}

// Stop marks the watcher stopped; in-flight session goroutines observe
// ctx cancellation and exit on their next poll boundary.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	for _, s := range w.sessions {
		s.state = StateStopped
	}
}

func (w *Watcher) runRoot(ctx context.Context, root string) {
	w.attemptDeepStart(ctx, root, recursive(false)) // shallow watch first

	for {
		if ctx.Err() != nil {
			return
		}
		w.mu.Lock()
		sess := w.sessions[root]
		now := w.config.Clock()
		gated := sess.state == StateRestarting && now.Before(sess.nextRetryAt)
		w.mu.Unlock()
		if gated {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := w.attemptDeepStart(ctx, root, recursive(true)); err != nil {
			w.scheduleRetry(root)
			continue
		}

		w.mu.Lock()
		w.sessions[root].state = StateRunning
		w.sessions[root].retryDelay = w.config.RetryDelay
		w.mu.Unlock()

		// A running deep session that stops between polls is requeued
		// (spec §4.10); model each poll as one bounded inotifywait call.
		if ctx.Err() != nil {
			return
		}
	}
}

type recursive bool

func (w *Watcher) attemptDeepStart(ctx context.Context, root string, deep recursive) error {
	args := []string{"-t", itoaSeconds(w.config.SessionTimeout), "-e", "create,delete,moved_to,moved_from", "--format", "%w|%e|%f"}
	if bool(deep) {
		args = append(args, "-r")
	}
	args = append(args, root)

	res, err := w.exec.Execute(ctx, executor.Request{
		FileName: "inotifywait",
		Args:     args,
		Timeout:  w.config.SessionTimeout + 2*time.Second,
	})

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case err != nil || res.Outcome == executor.OutcomeStartFailed:
		w.warnings = append(w.warnings, Warning{Code: WarnDeepSessionStartFailed, Message: "inotifywait failed to start for " + root})
		return errStartFailed
	case res.Outcome == executor.OutcomeTimedOut:
		// No events this cycle; not an error.
		return nil
	case res.Outcome == executor.OutcomeSuccess:
		w.events = append(w.events, parseEvents(root, res.Stdout)...)
		return nil
	default:
		w.warnings = append(w.warnings, Warning{Code: WarnDeepSessionStopped, Message: "inotifywait session stopped for " + root})
		return errStartFailed
	}
}

var errStartFailed = startFailedError{}

type startFailedError struct{}

func (startFailedError) Error() string { return "deep watch session failed to start" }

func (w *Watcher) scheduleRetry(root string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sess := w.sessions[root]
	sess.state = StateRestarting
	sess.nextRetryAt = w.config.Clock().Add(sess.retryDelay)
	sess.retryDelay = nextBackoff(sess.retryDelay, w.config.RetryBackoffMultiplier, w.config.MaxRetryDelay)
}

// nextBackoff computes the next retry delay given the current one, a
// multiplier, and a ceiling. Pure function, independent of any clock.
func nextBackoff(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	if next <= 0 {
		return max
	}
	return next
}

// Result is the drained output of one Poll call.
type Result struct {
	Outcome  Outcome
	Events   []Event
	Warnings []Warning
}

// Poll drains queued events and warnings, waiting up to timeout for the
// first event to appear if the queue is currently empty.
func (w *Watcher) Poll(ctx context.Context, timeout time.Duration) Result {
	deadline := time.Now().Add(timeout)
	for {
		w.mu.Lock()
		if len(w.events) > 0 || len(w.warnings) > 0 {
			events := w.events
			warnings := w.warnings
			w.events = nil
			w.warnings = nil
			w.mu.Unlock()
			return Result{Outcome: OutcomeSuccess, Events: events, Warnings: warnings}
		}
		w.mu.Unlock()

		if ctx.Err() != nil {
			return Result{Outcome: OutcomeCommandFailed}
		}
		if time.Now().After(deadline) {
			return Result{Outcome: OutcomeTimedOut}
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func parseEvents(root, output string) []Event {
	var events []Event
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) < 2 {
			continue
		}
		op := parts[1]
		path := parts[0]
		if len(parts) == 3 {
			path = strings.TrimRight(parts[0], "/") + "/" + parts[2]
		}
		events = append(events, Event{Root: root, Path: path, Op: op})
	}
	return events
}

func itoaSeconds(d time.Duration) string {
	seconds := int(d / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
