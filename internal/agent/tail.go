package agent

import "sync"

// defaultTailLimit bounds how much of each stream is kept in memory for
// error reporting. Full output goes to the log sink, not to this buffer.
const defaultTailLimit = 8 * 1024

// tailBuffer keeps the last N bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	return &tailBuffer{limit: limit}
}

// WriteLine appends one line, trimming the front when over the limit.
func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
