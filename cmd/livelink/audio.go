package main

import (
	"context"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/solara-ai/livelink/pkg/media"
)

// Model audio comes back at 24kHz regardless of the capture rate.
const audioOutSampleRateHz = 24000

// outputFormat describes the model's audio stream: 16-bit PCM at the fixed
// output rate, with the capture channel count.
func outputFormat(in media.AudioFormat) media.AudioFormat {
	return media.AudioFormat{SampleRate: audioOutSampleRateHz, Channels: in.Channels, BitDepth: 16}
}

// initAudio sets up microphone input and speaker output. Returns the mic
// device, speaker writer, and a cleanup function. chunkPeriod sizes the mic
// accumulation buffer.
func initAudio(format media.AudioFormat, chunkPeriod time.Duration) (*micDevice, *speakerWriter, func(), error) {
	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	mic, err := newMicDevice(malgoCtx.Context, format, chunkPeriod)
	if err != nil {
		_ = malgoCtx.Uninit()
		return nil, nil, nil, err
	}

	// A small playback buffer keeps latency low at some risk of glitches.
	otoOpts := &oto.NewContextOptions{
		SampleRate:   audioOutSampleRateHz,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	}
	otoCtx, ready, err := oto.NewContext(otoOpts)
	if err != nil {
		mic.CloseDevice()
		_ = malgoCtx.Uninit()
		return nil, nil, nil, err
	}
	<-ready

	speaker := newSpeakerWriter(otoCtx)

	cleanup := func() {
		mic.CloseDevice()
		speaker.Close()
		_ = malgoCtx.Uninit()
	}
	return mic, speaker, cleanup, nil
}

// micDevice captures microphone audio via malgo and hands out one chunk per
// sampler tick. Video frames are supplied externally (stdin commands) through
// PushFrame; VideoFrame blocks until one arrives.
type micDevice struct {
	device *malgo.Device
	format media.AudioFormat

	mu     sync.Mutex
	buf    []byte
	notify chan struct{}

	frames chan media.VideoFrame
}

func newMicDevice(ctx malgo.Context, format media.AudioFormat, chunkPeriod time.Duration) (*micDevice, error) {
	m := &micDevice{
		format: format,
		buf:    make([]byte, 0, 2*format.BytesForDuration(chunkPeriod)),
		notify: make(chan struct{}, 1),
		frames: make(chan media.VideoFrame, 1),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			m.mu.Lock()
			m.buf = append(m.buf, pInputSamples...)
			m.mu.Unlock()
			select {
			case m.notify <- struct{}{}:
			default:
			}
		},
	}

	device, err := malgo.InitDevice(ctx, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, err
	}
	m.device = device
	return m, nil
}

// AudioChunk drains everything captured since the previous call, waiting for
// data if the buffer is empty. Draining in full keeps the mic from lagging
// behind real time when a tick is late.
func (m *micDevice) AudioChunk(ctx context.Context) (media.AudioChunk, error) {
	for {
		m.mu.Lock()
		if len(m.buf) > 0 {
			data := m.buf
			m.buf = make([]byte, 0, cap(data))
			m.mu.Unlock()
			return media.AudioChunk{
				Data:       data,
				MIMEType:   m.format.MIMEType(),
				CapturedAt: time.Now(),
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return media.AudioChunk{}, ctx.Err()
		case <-m.notify:
		}
	}
}

// VideoFrame blocks until a frame is pushed via PushFrame.
func (m *micDevice) VideoFrame(ctx context.Context) (media.VideoFrame, error) {
	select {
	case <-ctx.Done():
		return media.VideoFrame{}, ctx.Err()
	case f := <-m.frames:
		return f, nil
	}
}

// PushFrame queues f as the next video frame. A pending undelivered frame is
// replaced.
func (m *micDevice) PushFrame(f media.VideoFrame) {
	for {
		select {
		case m.frames <- f:
			return
		default:
			select {
			case <-m.frames:
			default:
			}
		}
	}
}

func (m *micDevice) CloseDevice() {
	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
	}
}

// speakerWriter plays model audio through the speaker.
type speakerWriter struct {
	otoCtx  *oto.Context
	player  *oto.Player
	buf     []byte
	mu      sync.Mutex
	cond    *sync.Cond
	playing bool
	closed  bool
}

func newSpeakerWriter(ctx *oto.Context) *speakerWriter {
	s := &speakerWriter{
		otoCtx: ctx,
		buf:    make([]byte, 0, audioOutSampleRateHz*4),
	}
	s.cond = sync.NewCond(&s.mu)
	// The player is created lazily on first write so silence before the
	// first model response costs nothing.
	return s
}

func (s *speakerWriter) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, data...)

	if !s.playing && !s.closed {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
}

// Read implements io.Reader for oto.Player. Called by oto to pull audio.
func (s *speakerWriter) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}

	if s.closed && len(s.buf) == 0 {
		// Return silence so oto drains gracefully.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush discards pending audio and stops playback, so stale output does not
// overlap fresh audio after a reconnect.
func (s *speakerWriter) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]

	if s.player != nil && s.playing {
		s.playing = false
		player := s.player
		s.player = nil
		s.mu.Unlock()

		player.Pause()
		player.Reset()
		player.Close()
		return
	}
	s.mu.Unlock()
}

func (s *speakerWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.player != nil {
		s.player.Close()
	}
}
