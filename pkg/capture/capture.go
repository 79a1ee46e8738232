// Package capture turns two independently clocked media producers, an audio
// chunk source and a video frame source, into a single ordered stream of
// multimodal inputs. Audio is the pacing clock; video rides along as
// best-effort context in a lossy latest-value slot.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solara-ai/livelink/pkg/clock"
	"github.com/solara-ai/livelink/pkg/media"
)

// Device is the capture collaborator. Implementations block until the next
// unit is available or the context ends.
type Device interface {
	AudioChunk(ctx context.Context) (media.AudioChunk, error)
	VideoFrame(ctx context.Context) (media.VideoFrame, error)
}

// Sink receives each paired input as soon as its audio chunk arrives.
type Sink func(media.Input)

// PairingBuffer combines audio chunks with the most recent video frame.
// The frame cell holds at most one pending frame and is overwritten, never
// queued: under load older frames are dropped by construction. Every audio
// chunk is paired and emitted immediately, with the frame absent when none
// has been captured since the last pairing.
type PairingBuffer struct {
	sink Sink

	mu       sync.Mutex
	frame    media.VideoFrame
	hasFrame bool

	overwritten atomic.Uint64
	emitted     atomic.Uint64
}

// NewPairingBuffer creates a buffer that emits paired inputs to sink.
func NewPairingBuffer(sink Sink) *PairingBuffer {
	return &PairingBuffer{sink: sink}
}

// PutFrame stores f as the latest frame, replacing any pending one.
func (b *PairingBuffer) PutFrame(f media.VideoFrame) {
	if f.Empty() {
		return
	}
	b.mu.Lock()
	if b.hasFrame {
		b.overwritten.Add(1)
	}
	b.frame = f
	b.hasFrame = true
	b.mu.Unlock()
}

// PutChunk pairs c with the pending frame, if any, and emits the result.
// The frame is consumed: it rides out on exactly one input. A frame captured
// after the chunk is left pending for the next chunk, so an emitted pair
// never carries video newer than its audio.
func (b *PairingBuffer) PutChunk(c media.AudioChunk) {
	if c.Empty() {
		return
	}
	b.mu.Lock()
	input := media.Input{Audio: c, CapturedAt: c.CapturedAt}
	if b.hasFrame && !b.frame.CapturedAt.After(c.CapturedAt) {
		frame := b.frame
		input.Video = &frame
		b.hasFrame = false
		b.frame = media.VideoFrame{}
	}
	b.mu.Unlock()

	b.emitted.Add(1)
	b.sink(input)
}

// FramesOverwritten reports how many pending frames were replaced before
// they could be paired.
func (b *PairingBuffer) FramesOverwritten() uint64 { return b.overwritten.Load() }

// InputsEmitted reports how many inputs have been handed to the sink.
func (b *PairingBuffer) InputsEmitted() uint64 { return b.emitted.Load() }

// SamplerConfig sets the two capture cadences.
type SamplerConfig struct {
	// ChunkPeriod is the audio sampling period. Default: 500ms.
	ChunkPeriod time.Duration

	// FramePeriod is the video sampling period. Default: 1s.
	FramePeriod time.Duration
}

// DefaultSamplerConfig returns a SamplerConfig with sensible defaults.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		ChunkPeriod: 500 * time.Millisecond,
		FramePeriod: time.Second,
	}
}

// Sampler drives a Device on two independent tickers and feeds a
// PairingBuffer. Capture errors are logged and the tick skipped; a device
// that is out of frames is not fatal to the pipeline.
type Sampler struct {
	cfg    SamplerConfig
	device Device
	buffer *PairingBuffer
	clock  clock.Clock
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSampler creates a sampler over the given device and buffer.
func NewSampler(cfg SamplerConfig, device Device, buffer *PairingBuffer, clk clock.Clock, logger *slog.Logger) *Sampler {
	if cfg.ChunkPeriod <= 0 {
		cfg.ChunkPeriod = DefaultSamplerConfig().ChunkPeriod
	}
	if cfg.FramePeriod <= 0 {
		cfg.FramePeriod = DefaultSamplerConfig().FramePeriod
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{cfg: cfg, device: device, buffer: buffer, clock: clk, logger: logger}
}

// Start launches the audio and video loops. Safe to call once; subsequent
// calls are no-ops. Both tickers are created before Start returns, so ticks
// scheduled from this point on are observed even if the loops have not run
// yet.
func (s *Sampler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		audioTicker := s.clock.NewTicker(s.cfg.ChunkPeriod)
		videoTicker := s.clock.NewTicker(s.cfg.FramePeriod)
		s.wg.Add(2)
		go s.audioLoop(ctx, audioTicker)
		go s.videoLoop(ctx, videoTicker)
	})
}

// Stop halts both loops and waits for them to exit. Idempotent.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Sampler) audioLoop(ctx context.Context, ticker clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			chunk, err := s.device.AudioChunk(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("audio capture failed", "error", err)
				continue
			}
			s.buffer.PutChunk(chunk)
		}
	}
}

func (s *Sampler) videoLoop(ctx context.Context, ticker clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			frame, err := s.device.VideoFrame(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("video capture failed", "error", err)
				continue
			}
			s.buffer.PutFrame(frame)
		}
	}
}
