package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/solara-ai/livelink/pkg/clock"
	"github.com/solara-ai/livelink/pkg/media"
)

func chunkAt(t time.Time, b byte) media.AudioChunk {
	return media.AudioChunk{Data: []byte{b}, MIMEType: "audio/pcm;rate=16000", CapturedAt: t}
}

func frameAt(t time.Time, b byte) media.VideoFrame {
	return media.VideoFrame{Data: []byte{b}, Format: "jpeg", Width: 640, Height: 480, CapturedAt: t}
}

func TestPairingBufferPairsLatestFrame(t *testing.T) {
	var inputs []media.Input
	buf := NewPairingBuffer(func(in media.Input) { inputs = append(inputs, in) })

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	buf.PutFrame(frameAt(base, 1))
	buf.PutFrame(frameAt(base.Add(time.Second), 2))
	buf.PutChunk(chunkAt(base.Add(2*time.Second), 9))

	if len(inputs) != 1 {
		t.Fatalf("inputs = %d, want 1", len(inputs))
	}
	in := inputs[0]
	if in.Video == nil || in.Video.Data[0] != 2 {
		t.Fatalf("paired frame = %+v, want the most recent one", in.Video)
	}
	if in.Video.CapturedAt.After(in.Audio.CapturedAt) {
		t.Fatal("paired frame must not postdate the audio chunk")
	}
	if got := buf.FramesOverwritten(); got != 1 {
		t.Fatalf("FramesOverwritten = %d, want 1", got)
	}
}

func TestPairingBufferAudioOnlyWhenNoFrame(t *testing.T) {
	var inputs []media.Input
	buf := NewPairingBuffer(func(in media.Input) { inputs = append(inputs, in) })

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	buf.PutChunk(chunkAt(base, 1))

	if len(inputs) != 1 {
		t.Fatalf("inputs = %d, want 1", len(inputs))
	}
	if inputs[0].Video != nil {
		t.Fatal("expected audio-only input before any frame is captured")
	}
}

func TestPairingBufferFrameConsumedOnce(t *testing.T) {
	var inputs []media.Input
	buf := NewPairingBuffer(func(in media.Input) { inputs = append(inputs, in) })

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	buf.PutFrame(frameAt(base, 1))
	buf.PutChunk(chunkAt(base.Add(time.Second), 1))
	buf.PutChunk(chunkAt(base.Add(2*time.Second), 2))

	if len(inputs) != 2 {
		t.Fatalf("inputs = %d, want 2", len(inputs))
	}
	if inputs[0].Video == nil {
		t.Fatal("first chunk should carry the frame")
	}
	if inputs[1].Video != nil {
		t.Fatal("a frame rides out on exactly one input")
	}
}

func TestPairingBufferHoldsFrameNewerThanChunk(t *testing.T) {
	var inputs []media.Input
	buf := NewPairingBuffer(func(in media.Input) { inputs = append(inputs, in) })

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	buf.PutFrame(frameAt(base.Add(time.Second), 1))
	buf.PutChunk(chunkAt(base, 1))

	if len(inputs) != 1 {
		t.Fatalf("inputs = %d, want 1", len(inputs))
	}
	if inputs[0].Video != nil {
		t.Fatal("a frame newer than the chunk must not pair with it")
	}

	buf.PutChunk(chunkAt(base.Add(2*time.Second), 2))
	if len(inputs) != 2 {
		t.Fatalf("inputs = %d, want 2", len(inputs))
	}
	if inputs[1].Video == nil || inputs[1].Video.Data[0] != 1 {
		t.Fatal("held frame should ride out on the next chunk")
	}
}

func TestPairingBufferIgnoresEmptyUnits(t *testing.T) {
	var inputs []media.Input
	buf := NewPairingBuffer(func(in media.Input) { inputs = append(inputs, in) })

	buf.PutFrame(media.VideoFrame{})
	buf.PutChunk(media.AudioChunk{})

	if len(inputs) != 0 {
		t.Fatalf("inputs = %d, want 0", len(inputs))
	}
	if buf.FramesOverwritten() != 0 {
		t.Fatal("empty frame must not count as an overwrite")
	}
}

// scriptedDevice returns one unit per call, stamped with the fake clock.
type scriptedDevice struct {
	clk *clock.Fake

	mu         sync.Mutex
	audioCalls int
	videoCalls int
}

func (d *scriptedDevice) AudioChunk(ctx context.Context) (media.AudioChunk, error) {
	d.mu.Lock()
	d.audioCalls++
	n := byte(d.audioCalls)
	d.mu.Unlock()
	return media.AudioChunk{Data: []byte{n}, MIMEType: "audio/pcm;rate=16000", CapturedAt: d.clk.Now()}, nil
}

func (d *scriptedDevice) VideoFrame(ctx context.Context) (media.VideoFrame, error) {
	d.mu.Lock()
	d.videoCalls++
	n := byte(d.videoCalls)
	d.mu.Unlock()
	return media.VideoFrame{Data: []byte{n}, Format: "jpeg", Width: 2, Height: 2, CapturedAt: d.clk.Now()}, nil
}

func TestSamplerPacesOnAudio(t *testing.T) {
	clk := clock.NewFake()
	device := &scriptedDevice{clk: clk}

	var mu sync.Mutex
	var inputs []media.Input
	buf := NewPairingBuffer(func(in media.Input) {
		mu.Lock()
		inputs = append(inputs, in)
		mu.Unlock()
	})

	sampler := NewSampler(SamplerConfig{ChunkPeriod: 500 * time.Millisecond, FramePeriod: time.Second}, device, buf, clk, nil)
	sampler.Start(context.Background())
	defer sampler.Stop()

	for i := 0; i < 4; i++ {
		clk.Advance(500 * time.Millisecond)
		waitFor(t, func() bool { return buf.InputsEmitted() >= uint64(i+1) })
	}
	sampler.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(inputs) < 4 {
		t.Fatalf("inputs = %d, want at least 4", len(inputs))
	}
	for _, in := range inputs {
		if in.Audio.Empty() {
			t.Fatal("every emitted input must carry audio")
		}
		if in.Video != nil && in.Video.CapturedAt.After(in.Audio.CapturedAt) {
			t.Fatal("paired frame must not postdate the audio chunk")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
