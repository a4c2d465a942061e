package audio

import (
	"context"
	"sync"
	"time"

	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

// FrameSink receives one paced wire frame. Implementations must be safe to
// call from the dispatch goroutine and should not block beyond a write
// deadline.
type FrameSink func(frame []byte) error

// ResponseStats is the final audio accounting for one model response.
type ResponseStats struct {
	ResponseID string
	FramesSent int64
	BytesSent  int64
	Cancelled  bool
	Underrun   bool
	Snapshot   *DrainSnapshot
}

// DrainSnapshot captures the pipeline state when a response finalizes with
// nothing sent. Every count the audio took on its way through the pacer is
// here so a silent call can be diagnosed from a single log line.
type DrainSnapshot struct {
	ResponseID     string
	ModelBytesIn   int64
	WireBytesIn    int64
	WireBytesOut   int64
	BufferedBytes  int
	FirstAppendAt  time.Time
	LastAppendAt   time.Time
	TicksElapsed   int64
	FinalizedAt    time.Time
}

// Pacer converts model audio to wire frames and dispatches them on a fixed
// cadence. Appends land in a buffer; a ticker goroutine cuts one frame per
// tick. Flush drops everything buffered and is atomic with respect to the
// dispatch tick: once Flush returns, no previously buffered frame goes out.
type Pacer struct {
	sink       FrameSink
	onDone     func(ResponseStats)
	frameBytes int
	interval   time.Duration
	modelRate  int

	mu            sync.Mutex
	buf           []byte
	responseID    string
	active        bool
	completing    bool
	cancelled     bool
	flushed       bool
	framesSent    int64
	bytesSent     int64
	modelBytesIn  int64
	wireBytesIn   int64
	firstAppendAt time.Time
	lastAppendAt  time.Time
	ticks         int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPacer creates a pacer cutting frameBytes-sized frames every interval.
// onDone may be nil; when set it receives final stats for every response.
func NewPacer(sink FrameSink, modelRate, frameBytes int, interval time.Duration, onDone func(ResponseStats)) *Pacer {
	return &Pacer{
		sink:       sink,
		onDone:     onDone,
		frameBytes: frameBytes,
		interval:   interval,
		modelRate:  modelRate,
	}
}

// Start launches the dispatch loop. Call Stop to halt it.
func (p *Pacer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.dispatchLoop(ctx)
}

// Stop halts the dispatch loop and waits for it to exit.
func (p *Pacer) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// BeginResponse starts accounting for a new response. Any leftover audio
// from a previous response is dropped.
func (p *Pacer) BeginResponse(responseID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		logger.Base().Warn("New response began while previous still active",
			zap.String("previous_response_id", p.responseID),
			zap.String("response_id", responseID))
		p.finalizeLocked()
	}

	p.buf = p.buf[:0]
	p.responseID = responseID
	p.active = true
	p.completing = false
	p.cancelled = false
	p.flushed = false
	p.framesSent = 0
	p.bytesSent = 0
	p.modelBytesIn = 0
	p.wireBytesIn = 0
	p.firstAppendAt = time.Time{}
	p.lastAppendAt = time.Time{}
	p.ticks = 0
}

// Append converts model audio for the given response and buffers it for
// dispatch. Audio tagged with a stale response id is dropped.
func (p *Pacer) Append(responseID string, modelData []byte) {
	if len(modelData) == 0 {
		return
	}

	wire := ModelToWire(modelData, p.modelRate)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active || p.responseID != responseID {
		logger.Base().Debug("Dropping audio for inactive response",
			zap.String("response_id", responseID),
			zap.String("active_response_id", p.responseID))
		return
	}

	// Deltas keep arriving from the model for a while after an interrupt;
	// once flushed, nothing more for this response may reach the wire.
	if p.flushed {
		logger.Base().Debug("Dropping audio for flushed response",
			zap.String("response_id", responseID))
		return
	}

	now := time.Now()
	if p.firstAppendAt.IsZero() {
		p.firstAppendAt = now
	}
	p.lastAppendAt = now
	p.modelBytesIn += int64(len(modelData))
	p.wireBytesIn += int64(len(wire))
	p.buf = append(p.buf, wire...)
}

// Flush drops all buffered audio and marks the current response flushed, so
// audio still in flight for it is dropped on arrival. Holding the dispatch
// mutex makes this atomic with the tick: after Flush returns no frame of the
// current response can reach the sink. The next BeginResponse lifts the gate.
func (p *Pacer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := len(p.buf)
	p.buf = p.buf[:0]
	p.flushed = p.active

	if dropped > 0 {
		logger.Base().Info("Flushed buffered audio",
			zap.String("response_id", p.responseID),
			zap.Int("dropped_bytes", dropped))
	}
}

// CompleteResponse marks the response finished on the model side. Counters
// finalize once the remaining buffer drains; cancelled responses finalize
// with whatever was sent before the flush.
func (p *Pacer) CompleteResponse(responseID string, cancelled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active || p.responseID != responseID {
		return
	}

	p.completing = true
	p.cancelled = cancelled

	// Nothing left to drain: finalize on the spot.
	if len(p.buf) == 0 {
		p.finalizeLocked()
	}
}

// Stats returns a point-in-time copy of the current response counters.
func (p *Pacer) Stats() (responseID string, framesSent, bytesSent int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.responseID, p.framesSent, p.bytesSent
}

func (p *Pacer) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick cuts and sends at most one frame. The sink call happens under the
// mutex so a concurrent Flush cannot race a frame out the door.
func (p *Pacer) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return
	}

	p.ticks++

	if len(p.buf) >= p.frameBytes {
		frame := make([]byte, p.frameBytes)
		copy(frame, p.buf)
		p.buf = p.buf[:copy(p.buf, p.buf[p.frameBytes:])]
		p.sendLocked(frame)
		return
	}

	if !p.completing {
		return
	}

	// Model is done and less than a full frame remains: pad the tail with
	// silence so the wire always carries whole frames, then finalize.
	if len(p.buf) > 0 {
		frame := make([]byte, p.frameBytes)
		n := copy(frame, p.buf)
		for i := n; i < p.frameBytes; i++ {
			frame[i] = MuLawSilence
		}
		p.buf = p.buf[:0]
		p.sendLocked(frame)
	}

	p.finalizeLocked()
}

func (p *Pacer) sendLocked(frame []byte) {
	if err := p.sink(frame); err != nil {
		logger.Base().Warn("Frame sink write failed",
			zap.String("response_id", p.responseID),
			zap.Error(err))
		return
	}
	p.framesSent++
	p.bytesSent += int64(len(frame))
}

// finalizeLocked closes out the active response. Caller holds mu.
func (p *Pacer) finalizeLocked() {
	if !p.active {
		return
	}

	stats := ResponseStats{
		ResponseID: p.responseID,
		FramesSent: p.framesSent,
		BytesSent:  p.bytesSent,
		Cancelled:  p.cancelled,
	}

	if p.framesSent == 0 && !p.cancelled && !p.flushed {
		snapshot := &DrainSnapshot{
			ResponseID:    p.responseID,
			ModelBytesIn:  p.modelBytesIn,
			WireBytesIn:   p.wireBytesIn,
			WireBytesOut:  p.bytesSent,
			BufferedBytes: len(p.buf),
			FirstAppendAt: p.firstAppendAt,
			LastAppendAt:  p.lastAppendAt,
			TicksElapsed:  p.ticks,
			FinalizedAt:   time.Now(),
		}
		stats.Underrun = true
		stats.Snapshot = snapshot

		logger.Base().Warn("Response completed with zero frames sent",
			zap.String("response_id", snapshot.ResponseID),
			zap.Int64("model_bytes_in", snapshot.ModelBytesIn),
			zap.Int64("wire_bytes_in", snapshot.WireBytesIn),
			zap.Int64("wire_bytes_out", snapshot.WireBytesOut),
			zap.Int("buffered_bytes", snapshot.BufferedBytes),
			zap.Time("first_append_at", snapshot.FirstAppendAt),
			zap.Time("last_append_at", snapshot.LastAppendAt),
			zap.Int64("ticks_elapsed", snapshot.TicksElapsed))
	}

	p.active = false
	p.completing = false
	p.buf = p.buf[:0]

	if p.onDone != nil {
		// Deliver off the lock path; the callback may take other locks.
		go p.onDone(stats)
	}
}
