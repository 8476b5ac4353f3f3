package docker

import (
	"bytes"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// envList converts an env map to sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// containerName returns a unique, Docker-safe container name for a stage.
func containerName(stage string) string {
	var b strings.Builder
	b.WriteString("slidebatch-")
	for _, r := range strings.ToLower(stage) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	b.WriteByte('-')
	b.WriteString(shortID(strings.ReplaceAll(uuid.NewString(), "-", "")))
	return b.String()
}

// shortID returns the first 12 characters of a Docker ID.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

// lineWriter forwards each complete line written to it as a log event.
type lineWriter struct {
	mu     sync.Mutex
	logger zerolog.Logger
	stream string
	buf    bytes.Buffer
}

func newLineWriter(logger zerolog.Logger, stream string) *lineWriter {
	return &lineWriter{logger: logger, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	if line == "" {
		return
	}
	w.logger.Debug().Str("stream", w.stream).Msg(line)
}
