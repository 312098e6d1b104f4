// Package snapshot implements MountSnapshotReader (spec §4.2): it runs
// `findmnt -P` and parses its quoted KEY="VALUE" pair output into a
// canonical, deduplicated, sorted table of currently active mounts.
package snapshot

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mergefsd/mergefsd/internal/executor"
)

// Entry is one observed mount row (spec §3 MountSnapshotEntry).
type Entry struct {
	MountPoint string
	FSType     string
	Source     string
	Options    string
}

// Warning carries a stable diagnostic code for a parse or command problem.
type Warning struct {
	Code    string
	Message string
}

const (
	// WarnCommandFailed fires when findmnt itself failed to run.
	WarnCommandFailed = "MOUNT-SNAP-001"
	// WarnMalformedLine fires when a line is missing one of the four
	// expected keys or has an unterminated quoted value.
	WarnMalformedLine = "MOUNT-SNAP-002"
)

// Snapshot is the result of one Capture call.
type Snapshot struct {
	Entries  []Entry
	Warnings []Warning
}

// ByMountPoint returns a lookup map from each entry's MountPoint, as
// captured, to Entry. pathEqual is not used.
func (s Snapshot) ByMountPoint(pathEqual func(a, b string) bool) map[string]Entry {
	m := make(map[string]Entry, len(s.Entries))
	for _, e := range s.Entries {
		m[e.MountPoint] = e
	}
	return m
}

// Config configures the Reader.
type Config struct {
	Timeout time.Duration
}

// Reader captures mount snapshots via findmnt.
type Reader struct {
	exec   *executor.Executor
	config Config
}

// New creates a Reader.
func New(exec *executor.Executor, config Config) *Reader {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Reader{exec: exec, config: config}
}

// Capture runs findmnt and parses its output. It never returns an error:
// a failed command or malformed lines become warnings, and the snapshot
// is empty-but-present in the command-failure case (spec §4.2, tested by
// the "snapshot parser totality" property in spec §8).
func (r *Reader) Capture(ctx context.Context) Snapshot {
	res, err := r.exec.Execute(ctx, executor.Request{
		FileName: "findmnt",
		Args:     []string{"-P", "-o", "TARGET,FSTYPE,SOURCE,OPTIONS"},
		Timeout:  r.config.Timeout,
	})
	if err != nil || res.Outcome != executor.OutcomeSuccess {
		outcome := executor.OutcomeStartFailed
		stderr := ""
		if err == nil {
			outcome = res.Outcome
			stderr = res.Stderr
		} else {
			stderr = err.Error()
		}
		return Snapshot{
			Warnings: []Warning{{
				Code:    WarnCommandFailed,
				Message: "findmnt outcome=" + string(outcome) + " stderr=" + stderr,
			}},
		}
	}

	return parse(res.Stdout)
}

func parse(output string) Snapshot {
	var entries []Entry
	var warnings []Warning
	seen := make(map[string]bool)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields, ok := parsePairs(line)
		if !ok {
			warnings = append(warnings, Warning{Code: WarnMalformedLine, Message: "unterminated quoted value: " + line})
			continue
		}
		target, hasTarget := fields["TARGET"]
		fstype, hasFSType := fields["FSTYPE"]
		source, hasSource := fields["SOURCE"]
		options, hasOptions := fields["OPTIONS"]
		if !hasTarget || !hasFSType || !hasSource || !hasOptions {
			warnings = append(warnings, Warning{Code: WarnMalformedLine, Message: "missing required key: " + line})
			continue
		}
		if seen[target] {
			continue
		}
		seen[target] = true
		entries = append(entries, Entry{MountPoint: target, FSType: fstype, Source: source, Options: options})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].MountPoint < entries[j].MountPoint })

	return Snapshot{Entries: entries, Warnings: warnings}
}

// parsePairs tokenizes a findmnt -P line of KEY="VALUE" pairs, where VALUE
// may contain octal \NNN escapes and backslash-escaped characters
// (including an escaped trailing quote). Backslash-parity tracking
// prevents premature termination on a literal `\"` inside the value.
func parsePairs(line string) (map[string]string, bool) {
	fields := make(map[string]string)
	i := 0
	n := len(line)

	for i < n {
		for i < n && line[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}

		eq := strings.IndexByte(line[i:], '=')
		if eq < 0 {
			return nil, false
		}
		key := line[i : i+eq]
		i += eq + 1

		if i >= n || line[i] != '"' {
			return nil, false
		}
		i++ // skip opening quote

		var value strings.Builder
		closed := false
		for i < n {
			c := line[i]
			if c == '\\' && i+1 < n {
				next := line[i+1]
				if next >= '0' && next <= '7' && isOctalTriplet(line, i+1) {
					code, _ := strconv.ParseInt(line[i+1:i+4], 8, 32)
					value.WriteByte(byte(code))
					i += 4
					continue
				}
				value.WriteByte(next)
				i += 2
				continue
			}
			if c == '"' {
				closed = true
				i++
				break
			}
			value.WriteByte(c)
			i++
		}
		if !closed {
			return nil, false
		}

		fields[key] = value.String()
	}

	return fields, true
}

func isOctalTriplet(s string, start int) bool {
	if start+3 > len(s) {
		return false
	}
	for k := 0; k < 3; k++ {
		c := s[start+k]
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}
