package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/schaermu/fastdeploy/internal/layout"
	"github.com/schaermu/fastdeploy/internal/remote"
	"github.com/schaermu/fastdeploy/internal/revision"
)

// TimestampLayout is the timestamp format of revision log lines (UTC).
const TimestampLayout = "2006-01-02 15:04:05"

var (
	// ErrNoDeploymentYet is returned when a host has no current version marker.
	ErrNoDeploymentYet = errors.New("no deployment recorded yet, run a cold deployment first")
	// ErrNoPreviousRevision is returned when the revision log holds nothing to roll back to.
	ErrNoPreviousRevision = errors.New("no previous revision recorded")
)

// Record is one line of the revision log.
type Record struct {
	Time     time.Time
	Operator string
	ID       revision.ID
}

// Ledger tracks deployment history and the current revision of a host.
type Ledger interface {
	// Record appends a log entry and points the current version marker at id.
	Record(ctx context.Context, host remote.Host, id revision.ID, operator string, ts time.Time) error
	// Current returns the revision the marker points at.
	Current(ctx context.Context, host remote.Host) (revision.ID, error)
	// EnsureLog creates the revision log if it does not exist.
	EnsureLog(ctx context.Context, host remote.Host) error
	// History returns all log entries, oldest first.
	History(ctx context.Context, host remote.Host) ([]Record, error)
	// Previous returns the revision that was live before the current one.
	Previous(ctx context.Context, host remote.Host) (revision.ID, error)
}

// ShellLedger implements Ledger with files on the host.
type ShellLedger struct {
	exec   remote.Executor
	layout layout.Layout
	logger *slog.Logger
}

// NewShellLedger creates a ledger stored under the given layout.
func NewShellLedger(exec remote.Executor, l layout.Layout, logger *slog.Logger) *ShellLedger {
	return &ShellLedger{exec: exec, layout: l, logger: logger}
}

// Record writes the marker and the log entry in one remote command. The new
// marker is staged in a temp file and only renamed into place after the log
// append succeeded, so a failed append leaves both at their previous values.
func (l *ShellLedger) Record(ctx context.Context, host remote.Host, id revision.ID, operator string, ts time.Time) error {
	if !revision.IsFullHash(id.String()) {
		return fmt.Errorf("refusing to record non-hash revision %q", id)
	}

	marker := l.layout.MarkerPath()
	tmp := remote.ShellQuote(l.layout.MarkerTempPath())
	line := FormatRecord(Record{Time: ts, Operator: operator, ID: id})

	cmd := strings.Join([]string{
		fmt.Sprintf("printf '%%s\\n' %s > %s", id, tmp),
		fmt.Sprintf("printf '%%s\\n' %s >> %s", remote.ShellQuote(line), remote.ShellQuote(l.layout.RevisionLogPath())),
		fmt.Sprintf("mv %s %s", tmp, remote.ShellQuote(marker)),
	}, " && ")

	if _, err := l.exec.Run(ctx, host, cmd, nil); err != nil {
		return fmt.Errorf("record revision %s: %w", id.Short(), err)
	}
	l.logger.Info("revision recorded", "host", host.String(), "revision", id.Short(), "operator", operator)
	return nil
}

// Current reads the current version marker.
func (l *ShellLedger) Current(ctx context.Context, host remote.Host) (revision.ID, error) {
	marker := remote.ShellQuote(l.layout.MarkerPath())
	out, err := l.exec.Run(ctx, host, fmt.Sprintf("if [ -f %s ]; then cat %s; fi", marker, marker), nil)
	if err != nil {
		return "", fmt.Errorf("read current revision: %w", err)
	}

	current := strings.TrimSpace(out)
	if current == "" {
		return "", ErrNoDeploymentYet
	}
	if !revision.IsFullHash(current) {
		return "", fmt.Errorf("malformed revision marker %s: %q", l.layout.MarkerPath(), current)
	}
	return revision.ID(current), nil
}

// EnsureLog creates the revision log, group-writable, unless it already exists.
func (l *ShellLedger) EnsureLog(ctx context.Context, host remote.Host) error {
	log := remote.ShellQuote(l.layout.RevisionLogPath())
	cmd := fmt.Sprintf("if [ ! -e %s ]; then mkdir -p %s && touch %s && chmod 664 %s; fi",
		log, remote.ShellQuote(l.layout.Root), log, log)

	if _, err := l.exec.Run(ctx, host, cmd, nil); err != nil {
		return fmt.Errorf("create revision log: %w", err)
	}
	return nil
}

// History reads and parses the revision log. Unparseable lines are skipped.
func (l *ShellLedger) History(ctx context.Context, host remote.Host) ([]Record, error) {
	log := remote.ShellQuote(l.layout.RevisionLogPath())
	out, err := l.exec.Run(ctx, host, fmt.Sprintf("if [ -f %s ]; then cat %s; fi", log, log), nil)
	if err != nil {
		return nil, fmt.Errorf("read revision log: %w", err)
	}

	var records []Record
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			l.logger.Debug("skipping revision log line", "host", host.String(), "line", line, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Previous returns the revision live immediately before the current one.
func (l *ShellLedger) Previous(ctx context.Context, host remote.Host) (revision.ID, error) {
	current, err := l.Current(ctx, host)
	if err != nil {
		return "", err
	}
	records, err := l.History(ctx, host)
	if err != nil {
		return "", err
	}
	return PreviousOf(records, current)
}

// PreviousOf finds the newest entry older than the last occurrence of current
// whose revision differs from current.
func PreviousOf(records []Record, current revision.ID) (revision.ID, error) {
	end := len(records)
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].ID == current {
			end = i
			break
		}
	}
	for i := end - 1; i >= 0; i-- {
		if records[i].ID != current {
			return records[i].ID, nil
		}
	}
	return "", ErrNoPreviousRevision
}

// FormatRecord renders a log line: "<date> <time> <operator> <id>".
func FormatRecord(r Record) string {
	return fmt.Sprintf("%s %s %s", r.Time.UTC().Format(TimestampLayout), sanitizeOperator(r.Operator), r.ID)
}

// ParseRecord parses a line produced by FormatRecord.
func ParseRecord(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Record{}, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}
	ts, err := time.Parse(TimestampLayout, fields[0]+" "+fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	if !revision.IsFullHash(fields[3]) {
		return Record{}, fmt.Errorf("invalid revision %q", fields[3])
	}
	return Record{Time: ts, Operator: fields[2], ID: revision.ID(fields[3])}, nil
}

// sanitizeOperator keeps the operator a single whitespace-free field.
func sanitizeOperator(op string) string {
	op = strings.Join(strings.Fields(op), "_")
	if op == "" {
		return "unknown"
	}
	return op
}
