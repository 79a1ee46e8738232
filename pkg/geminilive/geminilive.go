// Package geminilive adapts the Gemini Live API to the session connection
// contract. Each dial builds a client keyed by the ephemeral credential, so
// rotated tokens never outlive the connection they opened.
package geminilive

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/solara-ai/livelink/pkg/credential"
	"github.com/solara-ai/livelink/pkg/media"
	"github.com/solara-ai/livelink/pkg/protocol"
	"github.com/solara-ai/livelink/pkg/session"
)

const defaultModel = "gemini-2.0-flash-live-001"

// Config configures a Dialer.
type Config struct {
	// Model is the live model to connect to. Default: gemini-2.0-flash-live-001.
	Model string

	// SystemInstruction primes the model, optional.
	SystemInstruction string
}

// Dialer opens Gemini Live sessions implementing session.Conn.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDialer creates a Gemini Live dialer. logger may be nil.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial connects one live session. Resumption is always requested so the
// endpoint keeps streaming fresh handles; resumeHandle restores prior
// context when non-empty.
func (d *Dialer) Dial(ctx context.Context, cred credential.Credential, resumeHandle string) (session.Conn, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cred.Token,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, session.NewConnectionLostError("create live client", err)
	}

	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SessionResumption:  &genai.SessionResumptionConfig{Handle: resumeHandle},
	}
	if strings.TrimSpace(d.cfg.SystemInstruction) != "" {
		connectCfg.SystemInstruction = genai.NewContentFromText(d.cfg.SystemInstruction, genai.RoleUser)
	}

	live, err := client.Live.Connect(ctx, d.cfg.Model, connectCfg)
	if err != nil {
		if isAuthError(err) {
			return nil, session.NewAuthRejectedError(fmt.Sprintf("live connect rejected: %v", err))
		}
		return nil, session.NewConnectionLostError("live connect", err)
	}

	conn := &Conn{
		live:    live,
		msgs:    make(chan protocol.ServerMessage, 64),
		done:    make(chan struct{}),
		closeCh: make(chan struct{}),
	}
	d.logger.Info("live session established", "model", d.cfg.Model, "resumed", resumeHandle != "")
	go conn.readLoop()
	return conn, nil
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthenticated") ||
		strings.Contains(msg, "permission_denied") ||
		strings.Contains(msg, "api key not valid") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403")
}

// Conn is one Gemini Live session.
type Conn struct {
	live *genai.Session

	msgs    chan protocol.ServerMessage
	done    chan struct{}
	closeCh chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Send transmits one multimodal input as realtime media.
func (c *Conn) Send(input media.Input) error {
	if c.closed.Load() {
		return fmt.Errorf("connection is closed")
	}
	realtime := genai.LiveRealtimeInput{}
	if input.AudioBearing() {
		realtime.Audio = &genai.Blob{
			Data:     input.Audio.Data,
			MIMEType: input.Audio.MIMEType,
		}
	}
	if input.Video != nil {
		realtime.Video = &genai.Blob{
			Data:     input.Video.Data,
			MIMEType: videoMIMEType(input.Video.Format),
		}
	}
	return c.live.SendRealtimeInput(realtime)
}

func videoMIMEType(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	default:
		return "image/" + strings.ToLower(format)
	}
}

// Messages yields decoded inbound messages. The channel closes when the
// session ends.
func (c *Conn) Messages() <-chan protocol.ServerMessage {
	return c.msgs
}

// Close closes the live session and waits for the read loop to exit.
// Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		_ = c.live.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal session error, nil for a clean shutdown.
func (c *Conn) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.msgs)

	for {
		serverMsg, err := c.live.Receive()
		if err != nil {
			if err == io.EOF || c.closed.Load() {
				return
			}
			c.setErr(err)
			return
		}
		msg, ok := translate(serverMsg)
		if !ok {
			continue
		}
		select {
		case c.msgs <- msg:
		case <-c.closeCh:
			return
		}
	}
}

// translate maps one live server message onto the neutral inbound shape the
// lifecycle manager consumes. Messages with no lifecycle or media content
// are skipped.
func translate(in *genai.LiveServerMessage) (protocol.ServerMessage, bool) {
	if in == nil {
		return protocol.ServerMessage{}, false
	}
	var out protocol.ServerMessage
	matched := false

	if ru := in.SessionResumptionUpdate; ru != nil {
		out.ResumptionUpdate = &protocol.ResumptionUpdate{
			NewHandle: ru.NewHandle,
			Resumable: ru.Resumable,
		}
		matched = true
	}
	if ga := in.GoAway; ga != nil {
		out.GoAway = &protocol.GoAway{TimeLeftMS: ga.TimeLeft.Milliseconds()}
		matched = true
	}
	if sc := in.ServerContent; sc != nil {
		if sc.GenerationComplete || sc.TurnComplete {
			out.GenerationComplete = true
			matched = true
		}
		if blob := firstAudioPart(sc.ModelTurn); blob != nil {
			out.Audio = blob
			matched = true
		}
	}
	return out, matched
}

func firstAudioPart(content *genai.Content) *protocol.AudioBlob {
	if content == nil {
		return nil
	}
	for _, part := range content.Parts {
		if part == nil || part.InlineData == nil {
			continue
		}
		if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
			continue
		}
		return &protocol.AudioBlob{
			DataB64:  base64.StdEncoding.EncodeToString(part.InlineData.Data),
			MIMEType: part.InlineData.MIMEType,
		}
	}
	return nil
}
