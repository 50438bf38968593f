package syncengine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"diagram-collab/internal/broker"
	"diagram-collab/internal/protocol"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebSocketTransport attaches to a session through the server's gateway at
// /ws/sessions/{id}. The gateway sends a member.snapshot frame first.
type WebSocketTransport struct {
	baseURL string
	header  http.Header
	dialer  *websocket.Dialer
}

// NewWebSocketTransport takes the gateway base URL (ws:// or wss://)
func NewWebSocketTransport(baseURL string, header http.Header) *WebSocketTransport {
	return &WebSocketTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  header,
		dialer:  websocket.DefaultDialer,
	}
}

func (t *WebSocketTransport) endpoint(sc SessionContext) (string, error) {
	u, err := url.Parse(t.baseURL + "/ws/sessions/" + url.PathEscape(sc.SessionID))
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("user_id", sc.UserID)
	if sc.DisplayName != "" {
		q.Set("user_name", sc.DisplayName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *WebSocketTransport) Subscribe(ctx context.Context, sc SessionContext) (Stream, error) {
	endpoint, err := t.endpoint(sc)
	if err != nil {
		return nil, err
	}

	conn, resp, err := t.dialer.DialContext(ctx, endpoint, t.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read membership snapshot: %w", err)
	}
	first, err := protocol.Unmarshal(data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if first.Kind != protocol.KindMemberSnapshot {
		conn.Close()
		return nil, fmt.Errorf("expected %s frame, got %s", protocol.KindMemberSnapshot, first.Kind)
	}
	ev, err := first.Decode()
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	s := &wsStream{
		conn:    conn,
		members: ev.(*protocol.MembershipSnapshot).Members,
		events:  make(chan *protocol.Envelope, broker.DefaultBufferSize),
		done:    make(chan struct{}),
	}
	go s.readPump()
	return s, nil
}

type wsStream struct {
	conn    *websocket.Conn
	members []protocol.Member
	events  chan *protocol.Envelope
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *wsStream) readPump() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			continue
		}
		select {
		case s.events <- env:
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) Events() <-chan *protocol.Envelope { return s.events }

func (s *wsStream) Members() []protocol.Member {
	return append([]protocol.Member(nil), s.members...)
}

func (s *wsStream) Send(ctx context.Context, env *protocol.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(env)
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
