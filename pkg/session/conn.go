package session

import (
	"context"

	"github.com/solara-ai/livelink/pkg/credential"
	"github.com/solara-ai/livelink/pkg/media"
	"github.com/solara-ai/livelink/pkg/protocol"
)

// Conn is one duplex channel to the realtime endpoint. The manager owns it
// exclusively: it is created by a Dialer, read until Messages() closes, and
// closed exactly once.
//
// Messages() yields inbound frames decoded at the connection boundary; the
// channel closes when the connection ends, after which Err() reports the
// terminal error, nil for a clean shutdown.
type Conn interface {
	Send(input media.Input) error
	Messages() <-chan protocol.ServerMessage
	Close() error
	Err() error
}

// Dialer opens connections. Dial returns once the endpoint has acknowledged
// the session; resumeHandle, when non-empty, asks the endpoint to restore
// prior context. A rejected credential surfaces as an auth_rejected Error so
// the manager can force re-issuance.
type Dialer interface {
	Dial(ctx context.Context, cred credential.Credential, resumeHandle string) (Conn, error)
}
