package notify

import (
	"context"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// maxInboundFrame bounds client frames; clients only send pings.
const maxInboundFrame = 4 << 10

// WebSocketTransport adapts a websocket connection to Transport.
type WebSocketTransport struct {
	conn *websocket.Conn
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	conn.SetReadLimit(maxInboundFrame)
	return &WebSocketTransport{conn: conn}
}

// Accept upgrades an HTTP request. originPatterns empty means same-origin only.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string) (*WebSocketTransport, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(conn), nil
}

func (t *WebSocketTransport) Send(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, t.conn, env)
}

func (t *WebSocketTransport) Receive(ctx context.Context) (Envelope, error) {
	typ, b, err := t.conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if typ != websocket.MessageText {
		return Envelope{}, ErrMalformed
	}
	return DecodeEnvelope(b)
}

func (t *WebSocketTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *WebSocketTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// CredentialFromRequest reads the bearer credential from the "token" query
// parameter or the Authorization header, in that order.
func CredentialFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
