package notifyclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/telex-ph/bug-reporting/internal/notify"
)

// WebSocketDialer connects to the server's live channel, passing the session
// credential as the "token" query parameter.
type WebSocketDialer struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Stream, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing live channel url: %w", err)
	}
	if d.Token != "" {
		q := u.Query()
		q.Set("token", d.Token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing live channel: %w", err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Receive(ctx context.Context) (notify.Envelope, error) {
	typ, b, err := s.conn.Read(ctx)
	if err != nil {
		return notify.Envelope{}, err
	}
	if typ != websocket.MessageText {
		return notify.Envelope{}, notify.ErrMalformed
	}
	return notify.DecodeEnvelope(b)
}

func (s *wsStream) Send(ctx context.Context, env notify.Envelope) error {
	return wsjson.Write(ctx, s.conn, env)
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
