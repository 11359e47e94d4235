package viewer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ktamas77/ableton-link/internal/util"
)

type LogEntry struct {
	TS     time.Time `json:"ts"`
	Source string    `json:"source,omitempty"`
	Msg    string    `json:"msg"`
}

// logSource tags a line by its "LINK:" / "CONFIG:" prefix, or by the go-log
// subsystem column ("link/p2p") for captured engine lines.
func logSource(line string) string {
	if i := strings.Index(line, ": "); i > 0 {
		if head := strings.Fields(line[:i]); len(head) > 0 {
			p := head[len(head)-1]
			if p == strings.ToUpper(p) && p != strings.ToLower(p) {
				return strings.ToLower(p)
			}
		}
	}
	for _, f := range strings.Fields(line) {
		if strings.HasPrefix(f, "link") && !strings.ContainsAny(f, ":=") {
			return f
		}
	}
	return ""
}

// LogBuffer keeps the most recent log lines for the monitor and fans new
// lines out to streaming clients.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
	now     func() time.Time
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
		now:     time.Now,
	}
}

// Write implements io.Writer. Lines may arrive split across calls.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := LogEntry{TS: b.now(), Source: logSource(line), Msg: line}
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
				// slow subscriber
			}
		}
	}
	return len(p), nil
}

// Capture copies everything the go-log loggers write into the buffer until
// the returned stop function is called.
func (b *LogBuffer) Capture() (stop func()) {
	r := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			_, _ = b.Write(append(sc.Bytes(), '\n'))
		}
	}()
	return func() {
		_ = r.Close()
		<-done
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Tail(n int) []LogEntry {
	return b.entries.Tail(n)
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs?n=100&source=link/p2p
// n counts entries after the source filter.
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := -1
	if s := q.Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	entries := b.Snapshot()
	if src := q.Get("source"); src != "" {
		kept := entries[:0]
		for _, e := range entries {
			if e.Source == src {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if n >= 0 && n < len(entries) {
		entries = entries[len(entries)-n:]
	}
	if entries == nil {
		entries = []LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GET /api/logs/stream (Server-Sent Events), tail only
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, e LogEntry) {
	b, _ := json.Marshal(e)
	_, _ = w.Write([]byte("event: message\n"))
	_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
}
