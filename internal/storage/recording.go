package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/audio"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"go.uber.org/zap"
)

// Uploader stores a finished recording and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, objectPath, contentType string, content io.Reader) (string, error)
}

// maxRecordSamples caps each track at 10 minutes of wire audio so a stuck
// call cannot grow without bound.
const maxRecordSamples = config.WireSampleRate * 600

// Recorder captures both legs of one call at the wire rate. The caller leg
// arrives continuously and is the call's timeline; assistant frames are
// placed at the caller-track position current when they were sent, which
// keeps the two legs aligned without wall-clock timestamps.
type Recorder struct {
	mu        sync.Mutex
	callSID   string
	inbound   []int16
	outbound  []int16
	outCursor int
	startedAt time.Time
	finished  bool
}

// NewRecorder creates a recorder for one call.
func NewRecorder(callSID string) *Recorder {
	return &Recorder{
		callSID:   callSID,
		startedAt: time.Now(),
	}
}

// AppendInbound adds a chunk of caller audio (wire m-law).
func (r *Recorder) AppendInbound(payload []byte) {
	pcm := audio.MuLawDecode(payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || len(r.inbound) >= maxRecordSamples {
		return
	}
	r.inbound = append(r.inbound, pcm...)
}

// AppendOutbound adds one assistant frame (wire m-law) at the current
// position of the caller timeline.
func (r *Recorder) AppendOutbound(frame []byte) {
	pcm := audio.MuLawDecode(frame)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}

	at := len(r.inbound)
	if at < r.outCursor {
		// Back-to-back frames within one inbound chunk stay contiguous
		at = r.outCursor
	}
	if at >= maxRecordSamples {
		return
	}

	if need := at + len(pcm); need > len(r.outbound) {
		r.outbound = append(r.outbound, make([]int16, need-len(r.outbound))...)
	}
	copy(r.outbound[at:], pcm)
	r.outCursor = at + len(pcm)
}

// Finish mixes the two legs, wraps them in a WAV container and uploads the
// result. Returns the stored object's URL. Calling Finish on an empty
// recording returns "" without uploading.
func (r *Recorder) Finish(ctx context.Context, uploader Uploader) (string, error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return "", nil
	}
	r.finished = true
	mixed := mixTracks(r.inbound, r.outbound)
	r.mu.Unlock()

	if len(mixed) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	if err := writeWAVPCM16LE(&buf, samplesToBytes(mixed), config.WireSampleRate); err != nil {
		return "", fmt.Errorf("encode recording: %w", err)
	}

	objectPath := fmt.Sprintf("recordings/%s/%s.wav", r.startedAt.Format("2006-01-02"), r.callSID)
	url, err := uploader.Upload(ctx, objectPath, "audio/wav", &buf)
	if err != nil {
		return "", fmt.Errorf("upload recording: %w", err)
	}

	logger.Base().Info("Call recording stored",
		zap.String("call_sid", r.callSID),
		zap.String("object", objectPath),
		zap.Int("samples", len(mixed)))
	return url, nil
}

// mixTracks sums the two legs sample-wise with clipping.
func mixTracks(a, b []int16) []int16 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	mixed := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		if i < len(a) {
			sum += int32(a[i])
		}
		if i < len(b) {
			sum += int32(b[i])
		}
		if sum > 32767 {
			sum = 32767
		}
		if sum < -32768 {
			sum = -32768
		}
		mixed[i] = int16(sum)
	}
	return mixed
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// writeWAVPCM16LE writes raw PCM16LE mono audio to out as a WAV stream.
func writeWAVPCM16LE(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}
