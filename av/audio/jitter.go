package audio

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultJitterBudget is the playback backlog kept before it is dropped.
const DefaultJitterBudget = 250 * time.Millisecond

// hardCapFactor bounds the queue when nothing consumes it.
const hardCapFactor = 4

// BytesForDuration returns the network-format byte count covering d.
func BytesForDuration(d time.Duration) int {
	samples := int(d * NetworkRate / time.Second)
	return samples * 2
}

// JitterStats counts buffer activity since creation.
type JitterStats struct {
	BytesAppended   uint64
	BytesConsumed   uint64 // real bytes handed to the renderer
	BytesZeroFilled uint64 // silence inserted on underrun
	BytesDropped    uint64 // backlog discarded for latency or the hard cap
	Overflows       uint64 // consumes that found the backlog over budget
}

// JitterBuffer is a byte queue between the network receive path and the
// render callback. Consume never blocks on missing data: shortfalls are
// zero-filled and an over-budget backlog is discarded.
type JitterBuffer struct {
	mu       sync.Mutex
	buf      []byte
	budget   int
	hardCap  int
	released bool
	stats    JitterStats
}

// NewJitterBuffer creates a buffer holding at most budget worth of 16 kHz
// mono s16 audio before its backlog is dropped.
func NewJitterBuffer(budget time.Duration) *JitterBuffer {
	if budget <= 0 {
		budget = DefaultJitterBudget
	}
	budgetBytes := BytesForDuration(budget)

	logrus.WithFields(logrus.Fields{
		"function":     "NewJitterBuffer",
		"budget":       budget.String(),
		"budget_bytes": budgetBytes,
	}).Debug("Creating jitter buffer")

	return &JitterBuffer{
		buf:     make([]byte, 0, budgetBytes),
		budget:  budgetBytes,
		hardCap: budgetBytes * hardCapFactor,
	}
}

// Append queues received PCM bytes. When nothing drains the buffer the
// oldest bytes beyond the hard cap are discarded.
func (jb *JitterBuffer) Append(p []byte) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if jb.released || len(p) == 0 {
		return
	}
	jb.buf = append(jb.buf, p...)
	jb.stats.BytesAppended += uint64(len(p))

	if excess := len(jb.buf) - jb.hardCap; excess > 0 {
		// keep sample alignment
		excess += excess & 1
		jb.buf = append(jb.buf[:0], jb.buf[excess:]...)
		jb.stats.BytesDropped += uint64(excess)
	}
}

// Consume fills dst from the front of the queue and returns how many real
// bytes were copied. The rest of dst is zeroed. If the backlog was over
// budget when Consume was called, whatever remains after the copy is dropped.
func (jb *JitterBuffer) Consume(dst []byte) int {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	overBudget := len(jb.buf) > jb.budget
	n := copy(dst, jb.buf)
	jb.buf = jb.buf[n:]
	clear(dst[n:])

	jb.stats.BytesConsumed += uint64(n)
	jb.stats.BytesZeroFilled += uint64(len(dst) - n)

	if overBudget {
		jb.stats.BytesDropped += uint64(len(jb.buf))
		jb.stats.Overflows++
		jb.buf = jb.buf[:0]
	}
	if len(jb.buf) == 0 {
		// reclaim the consumed prefix
		jb.buf = jb.buf[:0:0]
	}
	return n
}

// Len returns the number of queued bytes.
func (jb *JitterBuffer) Len() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.buf)
}

// Budget returns the backlog size in bytes above which Consume drops.
func (jb *JitterBuffer) Budget() int {
	return jb.budget
}

// Stats returns a snapshot of the counters.
func (jb *JitterBuffer) Stats() JitterStats {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.stats
}

// Reset discards queued audio.
func (jb *JitterBuffer) Reset() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.buf = nil
}

// Release discards queued audio and ignores later appends. Consume keeps
// returning silence.
func (jb *JitterBuffer) Release() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.released = true
	jb.buf = nil
}

// Released reports whether Release was called.
func (jb *JitterBuffer) Released() bool {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.released
}
