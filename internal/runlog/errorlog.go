// Package runlog keeps the per-vendor error log and the resume marker on
// disk.
package runlog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// TimeLayout is the timestamp format of error log lines.
const TimeLayout = "2006-01-02 15:04:05"

// Line is one failed request: timestamp|url|kind|message.
type Line struct {
	Time    time.Time
	URL     string
	Kind    string
	Message string

	// Raw holds lines that could not be split into fields. They are carried
	// over untouched when the log is rewritten.
	Raw string
}

// Sink receives failure lines.
type Sink interface {
	Append(Line) error
}

// ErrorLog is an append-only pipe-delimited log file. Appends are
// serialized so concurrent workers never interleave lines.
type ErrorLog struct {
	path string
	mu   sync.Mutex
}

// NewErrorLog returns a log writing to path.
func NewErrorLog(path string) *ErrorLog {
	return &ErrorLog{path: path}
}

// Path returns the log location.
func (l *ErrorLog) Path() string { return l.path }

// Append writes one line, creating the file and its directory if needed.
func (l *ErrorLog) Append(line Line) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return appendTo(l.path, line)
}

func appendTo(path string, line Line) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "runlog: create dir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrapf(err, "runlog: open %s", path)
	}
	if err := writeLine(f, line); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(f.Close(), "runlog: close %s", path)
}

func writeLine(w io.Writer, line Line) error {
	if line.Raw != "" {
		_, err := io.WriteString(w, line.Raw+"\n")
		return eris.Wrap(err, "runlog: write raw line")
	}
	ts := line.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	cw := csv.NewWriter(w)
	cw.Comma = '|'
	err := cw.Write([]string{ts.Format(TimeLayout), line.URL, line.Kind, oneLine(line.Message)})
	if err != nil {
		return eris.Wrap(err, "runlog: write line")
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "runlog: flush line")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Read parses the whole log. A missing file reads as empty.
func (l *ErrorLog) Read() ([]Line, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: open %s", l.path)
	}
	defer f.Close() //nolint:errcheck

	var lines []Line
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		lines = append(lines, ParseLine(text))
	}
	return lines, eris.Wrapf(sc.Err(), "runlog: read %s", l.path)
}

// ParseLine splits one log line. Messages written by older tools may
// contain unquoted pipes; everything after the third separator is the
// message.
func ParseLine(text string) Line {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = '|'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil || len(fields) < 2 || !looksLikeURL(fields[1]) {
		return Line{Raw: text}
	}
	line := Line{URL: strings.TrimSpace(fields[1])}
	if ts, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(fields[0]), time.Local); err == nil {
		line.Time = ts
	}
	if len(fields) > 2 {
		line.Kind = fields[2]
	}
	if len(fields) > 3 {
		line.Message = strings.Join(fields[3:], "|")
	}
	return line
}

func looksLikeURL(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Rewrite collects the residual failures of a retry pass in a temporary
// file next to the log. Commit replaces the log with it; until then the
// original log is untouched.
type Rewrite struct {
	log *ErrorLog
	tmp string
	mu  sync.Mutex
}

// BeginRewrite starts a rewrite, truncating any stale temporary file.
func (l *ErrorLog) BeginRewrite() (*Rewrite, error) {
	tmp := l.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return nil, eris.Wrapf(err, "runlog: create dir for %s", tmp)
	}
	if err := os.WriteFile(tmp, nil, 0o644); err != nil {
		return nil, eris.Wrapf(err, "runlog: create %s", tmp)
	}
	return &Rewrite{log: l, tmp: tmp}, nil
}

// Append adds a line to the temporary file.
func (r *Rewrite) Append(line Line) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return appendTo(r.tmp, line)
}

// Commit atomically replaces the log with the temporary file.
func (r *Rewrite) Commit() error {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	return eris.Wrapf(os.Rename(r.tmp, r.log.path), "runlog: replace %s", r.log.path)
}

// Abort discards the temporary file.
func (r *Rewrite) Abort() error {
	err := os.Remove(r.tmp)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return eris.Wrapf(err, "runlog: remove %s", r.tmp)
}
