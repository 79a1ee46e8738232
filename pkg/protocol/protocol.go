// Package protocol defines the typed wire frames exchanged with the remote
// realtime endpoint over the websocket transport, and the structured server
// message the connection boundary decodes inbound frames into.
//
// Inbound frames are only required to be JSON objects; the three lifecycle
// fields (session resumption updates, go-away warnings, generation-complete
// markers) are structurally inspected and everything else is carried through
// opaquely.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const ProtocolVersion1 = "1"

// DecodeError describes an inbound frame the decoder could not accept.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badFrame(message string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message}
}

// AudioFormat describes the negotiated audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// VideoFormat describes the negotiated video shape.
type VideoFormat struct {
	Format      string `json:"format"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	FrameRateHz int    `json:"frame_rate_hz"`
}

// ClientSetup is the first frame on every connection. Token carries the
// ephemeral credential; ResumeHandle, when present, asks the endpoint to
// continue prior conversational context.
type ClientSetup struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Token           string       `json:"token"`
	ResumeHandle    string       `json:"resume_handle,omitempty"`
	AudioIn         AudioFormat  `json:"audio_in"`
	VideoIn         *VideoFormat `json:"video_in,omitempty"`
}

// RedactedForLog returns setup attributes safe for structured logging.
func (s ClientSetup) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             s.Type,
		"protocol_version": s.ProtocolVersion,
		"has_token":        strings.TrimSpace(s.Token) != "",
		"has_resume":       strings.TrimSpace(s.ResumeHandle) != "",
		"audio_in":         s.AudioIn,
	}
}

// AudioBlob is an encoded audio payload inside a realtime input frame.
type AudioBlob struct {
	DataB64      string `json:"data_b64"`
	MIMEType     string `json:"mime_type"`
	CapturedAtMS int64  `json:"captured_at_ms,omitempty"`
}

// VideoBlob is an encoded video frame inside a realtime input frame.
type VideoBlob struct {
	DataB64      string `json:"data_b64"`
	Format       string `json:"format"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	CapturedAtMS int64  `json:"captured_at_ms,omitempty"`
}

// ClientRealtimeInput carries one paired multimodal input unit.
type ClientRealtimeInput struct {
	Type        string     `json:"type"`
	Audio       *AudioBlob `json:"audio,omitempty"`
	Video       *VideoBlob `json:"video,omitempty"`
	TimestampMS int64      `json:"timestamp_ms,omitempty"`
}

// ServerSetupComplete acknowledges ClientSetup.
type ServerSetupComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// ResumptionUpdate replaces the stored resumption handle when Resumable is
// set and a new handle is present.
type ResumptionUpdate struct {
	NewHandle string `json:"new_handle"`
	Resumable bool   `json:"resumable"`
}

// GoAway warns that the endpoint will force-close the connection after
// TimeLeft.
type GoAway struct {
	TimeLeftMS int64 `json:"time_left_ms"`
}

// TimeLeft returns the warning budget as a duration.
func (g GoAway) TimeLeft() time.Duration {
	return time.Duration(g.TimeLeftMS) * time.Millisecond
}

// ServerMessage is the decoded form of one inbound frame. Exactly the three
// lifecycle fields are interpreted; Audio carries model audio output when
// present, and Raw retains the frame for callers that understand more.
type ServerMessage struct {
	ResumptionUpdate   *ResumptionUpdate
	GoAway             *GoAway
	GenerationComplete bool
	Audio              *AudioBlob
	Raw                json.RawMessage
}

// Kind names the dominant content of the message, for logging and metrics.
// Audio wins over lifecycle fields because it is the payload the caller acts
// on.
func (m ServerMessage) Kind() string {
	switch {
	case m.Audio != nil:
		return "audio"
	case m.GoAway != nil:
		return "go_away"
	case m.GenerationComplete:
		return "generation_complete"
	case m.ResumptionUpdate != nil:
		return "resumption_update"
	default:
		return "other"
	}
}

// serverFrame is the loose wire shape of inbound frames. Unknown fields are
// ignored by encoding/json, which is exactly the tolerance the endpoint
// contract requires.
type serverFrame struct {
	Type               string            `json:"type"`
	SessionResumption  *ResumptionUpdate `json:"session_resumption_update,omitempty"`
	GoAway             *GoAway           `json:"go_away,omitempty"`
	GenerationComplete bool              `json:"generation_complete,omitempty"`
	Audio              *AudioBlob        `json:"audio,omitempty"`
}

// DecodeServerMessage decodes one inbound text frame into a ServerMessage.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ServerMessage{}, badFrame("invalid server frame json: " + err.Error())
	}
	msg := ServerMessage{
		ResumptionUpdate:   frame.SessionResumption,
		GoAway:             frame.GoAway,
		GenerationComplete: frame.GenerationComplete,
		Audio:              frame.Audio,
		Raw:                append(json.RawMessage(nil), data...),
	}
	return msg, nil
}

// DecodeSetupComplete decodes the handshake acknowledgement. A frame of a
// different type is an error: setup_complete must be the first inbound frame.
func DecodeSetupComplete(data []byte) (ServerSetupComplete, error) {
	var envelope struct {
		Type    string `json:"type"`
		Message string `json:"message,omitempty"`
		Code    string `json:"code,omitempty"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ServerSetupComplete{}, badFrame("invalid setup ack json: " + err.Error())
	}
	typ := strings.TrimSpace(envelope.Type)
	switch typ {
	case "setup_complete":
		var ack ServerSetupComplete
		if err := json.Unmarshal(data, &ack); err != nil {
			return ServerSetupComplete{}, badFrame("invalid setup_complete: " + err.Error())
		}
		return ack, nil
	case "error":
		return ServerSetupComplete{}, &DecodeError{
			Code:    nonEmpty(envelope.Code, "server_error"),
			Message: nonEmpty(envelope.Message, "endpoint rejected setup"),
		}
	default:
		return ServerSetupComplete{}, badFrame(fmt.Sprintf("expected setup_complete, got %q", typ))
	}
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
