// Package transport implements the websocket connection to the realtime
// endpoint: dial, setup handshake, outbound input frames and the inbound
// read loop that decodes frames at the boundary.
package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solara-ai/livelink/pkg/credential"
	"github.com/solara-ai/livelink/pkg/media"
	"github.com/solara-ai/livelink/pkg/protocol"
	"github.com/solara-ai/livelink/pkg/session"
)

const defaultHandshakeTimeout = 15 * time.Second

// Config configures a Dialer.
type Config struct {
	// Endpoint is the realtime URL; http(s) schemes are rewritten to ws(s).
	Endpoint string

	// AudioIn and VideoIn are advertised in the setup frame.
	AudioIn media.AudioFormat
	VideoIn media.VideoFormat

	// HandshakeTimeout bounds dial plus setup acknowledgement. Default: 15s.
	HandshakeTimeout time.Duration
}

// Dialer opens websocket connections implementing session.Conn.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDialer creates a websocket dialer. logger may be nil.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial connects, sends the setup frame and waits for setup_complete. It
// returns an auth_rejected error when the endpoint refuses the credential,
// so the caller can force re-issuance.
func (d *Dialer) Dial(ctx context.Context, cred credential.Credential, resumeHandle string) (session.Conn, error) {
	wsURL, err := websocketEndpoint(d.cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+cred.Token)

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
		defer cancel()
	}

	wsConn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, session.NewAuthRejectedError(fmt.Sprintf("endpoint rejected credential (status %d)", resp.StatusCode))
		}
		if resp != nil {
			return nil, session.NewConnectionLostError(fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode), err)
		}
		return nil, session.NewConnectionLostError("websocket dial failed", err)
	}

	setup := protocol.ClientSetup{
		Type:            "setup",
		ProtocolVersion: protocol.ProtocolVersion1,
		Token:           cred.Token,
		ResumeHandle:    resumeHandle,
		AudioIn: protocol.AudioFormat{
			Encoding:     "pcm_s16le",
			SampleRateHz: d.cfg.AudioIn.SampleRate,
			Channels:     d.cfg.AudioIn.Channels,
		},
	}
	if d.cfg.VideoIn.Width > 0 && d.cfg.VideoIn.Height > 0 {
		setup.VideoIn = &protocol.VideoFormat{
			Format:      "jpeg",
			Width:       d.cfg.VideoIn.Width,
			Height:      d.cfg.VideoIn.Height,
			FrameRateHz: d.cfg.VideoIn.FrameRate,
		}
	}

	if err := wsConn.WriteJSON(setup); err != nil {
		_ = wsConn.Close()
		return nil, session.NewConnectionLostError("send setup", err)
	}
	d.logger.Debug("setup frame sent", "setup", setup.RedactedForLog())

	_ = wsConn.SetReadDeadline(time.Now().Add(d.cfg.HandshakeTimeout))
	messageType, payload, err := wsConn.ReadMessage()
	if err != nil {
		_ = wsConn.Close()
		return nil, session.NewConnectionLostError("read setup_complete", err)
	}
	_ = wsConn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = wsConn.Close()
		return nil, session.NewConnectionLostError(fmt.Sprintf("unexpected first frame type %d", messageType), nil)
	}

	ack, err := protocol.DecodeSetupComplete(payload)
	if err != nil {
		_ = wsConn.Close()
		var derr *protocol.DecodeError
		if isAuthCode(err, &derr) {
			return nil, session.NewAuthRejectedError(derr.Message)
		}
		return nil, session.NewConnectionLostError("setup rejected", err)
	}

	conn := &Conn{
		conn:    wsConn,
		msgs:    make(chan protocol.ServerMessage, 64),
		done:    make(chan struct{}),
		closeCh: make(chan struct{}),
	}
	d.logger.Info("websocket session established", "session_id", ack.SessionID, "resumed", resumeHandle != "")
	go conn.readLoop()
	return conn, nil
}

func isAuthCode(err error, out **protocol.DecodeError) bool {
	derr, ok := err.(*protocol.DecodeError)
	if !ok {
		return false
	}
	*out = derr
	switch derr.Code {
	case "unauthorized", "auth_rejected", "invalid_token", "token_expired":
		return true
	}
	return false
}

func websocketEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", session.NewInvalidStateError("invalid endpoint URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", session.NewInvalidStateError("endpoint URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}

// Conn is one live websocket connection.
type Conn struct {
	conn *websocket.Conn

	msgs    chan protocol.ServerMessage
	done    chan struct{}
	closeCh chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Send transmits one multimodal input as a realtime input frame.
func (c *Conn) Send(input media.Input) error {
	if c.closed.Load() {
		return fmt.Errorf("connection is closed")
	}
	frame := protocol.ClientRealtimeInput{
		Type:        "realtime_input",
		TimestampMS: input.CapturedAt.UnixMilli(),
	}
	if input.AudioBearing() {
		frame.Audio = &protocol.AudioBlob{
			DataB64:      base64.StdEncoding.EncodeToString(input.Audio.Data),
			MIMEType:     input.Audio.MIMEType,
			CapturedAtMS: input.Audio.CapturedAt.UnixMilli(),
		}
	}
	if input.Video != nil {
		frame.Video = &protocol.VideoBlob{
			DataB64:      base64.StdEncoding.EncodeToString(input.Video.Data),
			Format:       input.Video.Format,
			Width:        input.Video.Width,
			Height:       input.Video.Height,
			CapturedAtMS: input.Video.CapturedAt.UnixMilli(),
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}

// Messages yields decoded inbound frames. The channel closes when the
// connection ends.
func (c *Conn) Messages() <-chan protocol.ServerMessage {
	return c.msgs
}

// Close closes the websocket connection and waits for the read loop to
// exit. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal connection error, nil for a clean shutdown.
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
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.closed.Load() {
				return
			}
			c.setErr(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.setErr(err)
			return
		}
		select {
		case c.msgs <- msg:
		case <-c.closeCh:
			return
		}
	}
}
