// Package media defines the capture units flowing from the capture pipeline
// into a live session: encoded audio chunks, sampled video frames, and the
// paired multimodal input unit sent to the remote endpoint.
package media

import (
	"strconv"
	"time"
)

// AudioChunk is one chunk of encoded audio produced by the capture device.
type AudioChunk struct {
	// Data is the encoded payload (raw PCM for pcm_s16le, container bytes
	// otherwise).
	Data []byte

	// MIMEType tags the encoding, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// CapturedAt is when the chunk was taken from the device.
	CapturedAt time.Time
}

// Empty reports whether the chunk carries no payload.
func (c AudioChunk) Empty() bool { return len(c.Data) == 0 }

// VideoFrame is one sampled frame from the capture device.
type VideoFrame struct {
	// Data is the encoded frame payload.
	Data []byte

	// Format tags the encoding, e.g. "image/jpeg".
	Format string

	Width  int
	Height int

	// CapturedAt is when the frame was sampled.
	CapturedAt time.Time
}

// Empty reports whether the frame carries no payload.
func (f VideoFrame) Empty() bool { return len(f.Data) == 0 }

// Input is one paired send unit: an audio chunk plus the most recent video
// frame known at emission time. Video is nil when no frame has been captured
// yet; pairing never waits for one.
type Input struct {
	Audio AudioChunk
	Video *VideoFrame

	// CapturedAt is the pairing timestamp (the audio chunk's capture time).
	CapturedAt time.Time
}

// AudioBearing reports whether the input carries audio payload. Audio-bearing
// inputs are subject to the session's busy-drop policy; video-only inputs are
// not.
func (in Input) AudioBearing() bool { return !in.Audio.Empty() }

// AudioFormat specifies the capture audio shape.
type AudioFormat struct {
	// SampleRate in Hz. Common values: 16000, 24000, 44100, 48000.
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels" yaml:"channels"`

	// BitDepth: typically 16 for PCM.
	BitDepth int `json:"bit_depth" yaml:"bit_depth"`
}

// DefaultAudioFormat returns the standard capture format.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{
		SampleRate: 16000,
		Channels:   1,
		BitDepth:   16,
	}
}

// MIMEType returns the RFC-style mime tag for raw PCM at this format's rate.
func (f AudioFormat) MIMEType() string {
	return "audio/pcm;rate=" + strconv.Itoa(f.SampleRate)
}

// BytesPerSecond returns the audio byte rate.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitDepth / 8)
}

// BytesForDuration returns the byte count covering d at this format.
func (f AudioFormat) BytesForDuration(d time.Duration) int {
	return int(int64(f.BytesPerSecond()) * d.Milliseconds() / 1000)
}

// Duration returns the play time of the given byte count.
func (f AudioFormat) Duration(bytes int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(bps)
}

// VideoFormat specifies the capture video shape.
type VideoFormat struct {
	Width     int `json:"width" yaml:"width"`
	Height    int `json:"height" yaml:"height"`
	FrameRate int `json:"frame_rate" yaml:"frame_rate"`
}

// DefaultVideoFormat returns a conservative capture shape for context frames.
func DefaultVideoFormat() VideoFormat {
	return VideoFormat{
		Width:     640,
		Height:    480,
		FrameRate: 1,
	}
}

// FramePeriod returns the interval between sampled frames.
func (f VideoFormat) FramePeriod() time.Duration {
	if f.FrameRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(f.FrameRate)
}
