package testutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	logx "pollsched/pkg/logx"
)

// LogBuffer captures JSON log lines written through a logx.Logger.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLogger returns a debug-level logger writing into a fresh LogBuffer.
func NewLogger() (logx.Logger, *LogBuffer) {
	lb := &LogBuffer{}
	return logx.NewJSON(lb, "debug"), lb
}

func (l *LogBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

// Entries decodes every captured line. Lines that are not JSON are skipped.
func (l *LogBuffer) Entries() []map[string]any {
	l.mu.Lock()
	raw := l.buf.String()
	l.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Find returns entries at level whose message contains msg.
func (l *LogBuffer) Find(level, msg string) []map[string]any {
	var out []map[string]any
	for _, e := range l.Entries() {
		if e["level"] == level && strings.Contains(asString(e["message"]), msg) {
			out = append(out, e)
		}
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
