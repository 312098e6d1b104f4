// Package executor implements ExternalCommandExecutor (spec §4.1): runs a
// subprocess with bounded output capture, a poll-driven timeout, and
// cancellation that terminates the whole process group, grounded on
// tuxillo-go-synth's worker-helper (Setpgid process-group isolation,
// signal-based descendant cleanup) adapted from a single batch-build exec
// to mergefsd's repeated mount/unmount invocations.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	mferrors "github.com/mergefsd/mergefsd/pkg/errors"
)

// Outcome classifies how a subprocess finished.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeNonZeroExit Outcome = "non_zero_exit"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeStartFailed Outcome = "start_failed"
)

// FailureKind further classifies a StartFailed outcome.
type FailureKind string

const (
	FailureNone             FailureKind = "none"
	FailureToolNotFound     FailureKind = "tool_not_found"
	FailurePermissionDenied FailureKind = "permission_denied"
	FailureOther            FailureKind = "other"
)

// Request describes one subprocess invocation.
type Request struct {
	FileName      string
	Args          []string
	Timeout       time.Duration
	PollInterval  time.Duration
	MaxOutputChars int
}

// Result reports how a subprocess invocation concluded. The executor
// never returns an error for a subprocess failure — only for invalid
// Request arguments — so callers always get a Result to classify.
type Result struct {
	Outcome         Outcome
	FailureKind     FailureKind
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	Elapsed         time.Duration
}

// Executor runs external commands with bounded capture and timeout.
type Executor struct{}

// New creates an Executor. It carries no state: every invocation is
// independent, matching spec §5's "subprocesses inherit no daemon state
// except environment" guarantee.
func New() *Executor { return &Executor{} }

// Execute runs request, polling at request.PollInterval for completion,
// cancellation, or timeout. It never throws for a subprocess failure;
// invalid arguments (empty FileName, non-positive Timeout) return an
// error immediately without spawning anything. A non-positive
// PollInterval falls back to 100ms and a non-positive MaxOutputChars to
// 64 KiB.
func (e *Executor) Execute(ctx context.Context, request Request) (Result, error) {
	if request.FileName == "" {
		return Result{}, mferrors.NewError(mferrors.ErrCodeEmptyPath, "executor: empty fileName").WithComponent("executor")
	}
	if request.Timeout <= 0 {
		return Result{}, mferrors.NewError(mferrors.ErrCodeNonPositiveDur, "executor: timeout must be positive").WithComponent("executor")
	}
	pollInterval := request.PollInterval
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	maxChars := request.MaxOutputChars
	if maxChars <= 0 {
		maxChars = 64 * 1024
	}

	start := time.Now()

	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeCancelled, Elapsed: time.Since(start)}, nil
	}

	var stdoutBuf, stderrBuf boundedBuffer
	stdoutBuf.limit = maxChars
	stderrBuf.limit = maxChars

	cmd := exec.Command(request.FileName, request.Args...)
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		kind := classifyStartFailure(err)
		return Result{
			Outcome:     OutcomeStartFailed,
			FailureKind: kind,
			Stderr:      err.Error(),
			Elapsed:     time.Since(start),
		}, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := time.Now().Add(request.Timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return resultFromWait(err, stdoutBuf, stderrBuf, start), nil
		case <-ctx.Done():
			killProcessGroup(cmd)
			<-done
			return Result{
				Outcome: OutcomeCancelled,
				Stdout:  stdoutBuf.String(),
				Stderr:  stderrBuf.String(),
				Elapsed: time.Since(start),
			}, nil
		case <-ticker.C:
			if time.Now().After(deadline) {
				killProcessGroup(cmd)
				<-done
				return Result{
					Outcome: OutcomeTimedOut,
					Stdout:  stdoutBuf.String(),
					Stderr:  stderrBuf.String(),
					Elapsed: time.Since(start),
				}, nil
			}
		}
	}
}

func resultFromWait(err error, stdoutBuf, stderrBuf boundedBuffer, start time.Time) Result {
	res := Result{
		Stdout:          stdoutBuf.String(),
		Stderr:          stderrBuf.String(),
		StdoutTruncated: stdoutBuf.truncated,
		StderrTruncated: stderrBuf.truncated,
		Elapsed:         time.Since(start),
	}
	if err == nil {
		res.Outcome = OutcomeSuccess
		res.ExitCode = 0
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.Outcome = OutcomeNonZeroExit
		res.ExitCode = exitErr.ExitCode()
		return res
	}
	res.Outcome = OutcomeStartFailed
	res.FailureKind = FailureOther
	res.Stderr = strings.TrimSpace(res.Stderr + "\n" + err.Error())
	return res
}

// killProcessGroup terminates cmd's whole process group (it was started
// with Setpgid: true), so any children mergerfs/umount spawn die with it,
// per spec §5's "subprocesses started by the executor never outlive
// cancellation".
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(50 * time.Millisecond)
	_ = unix.Kill(-pgid, syscall.SIGKILL)
}

func classifyStartFailure(err error) FailureKind {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		if errors.Is(execErr.Err, exec.ErrNotFound) {
			return FailureToolNotFound
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such file"):
		return FailureToolNotFound
	case strings.Contains(msg, "permission denied"):
		return FailurePermissionDenied
	default:
		return FailureOther
	}
}

// boundedBuffer caps the number of characters retained, tracking whether
// truncation occurred (spec §4.1: "truncating past maxOutputChars and
// setting a truncation flag per stream").
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.truncated {
		return len(p), nil
	}
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }

// String implements fmt.Stringer for Result, useful for log fields.
func (r Result) String() string {
	return fmt.Sprintf("outcome=%s exit=%d elapsed=%s", r.Outcome, r.ExitCode, r.Elapsed)
}
