package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/teslashibe/go-voicedesk/pkg/protocol"
	"github.com/teslashibe/go-voicedesk/pkg/session"
)

// writeTimeout bounds a single websocket write.
const writeTimeout = 10 * time.Second

var errTransportClosed = errors.New("gateway: transport closed")

// wsTransport is one caller websocket. Writes are serialized; the read
// loop owns reads.
type wsTransport struct {
	id        string
	conn      *websocket.Conn
	connected time.Time
	onSend    func()

	mu     sync.Mutex
	closed bool
}

func newTransport(conn *websocket.Conn, onSend func()) *wsTransport {
	return &wsTransport{
		id:        uuid.NewString(),
		conn:      conn,
		connected: time.Now(),
		onSend:    onSend,
	}
}

// Send writes msg as a text frame.
func (t *wsTransport) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if t.onSend != nil {
		t.onSend()
	}
	return nil
}

// Close sends a normal close frame and closes the socket. It is safe to
// call more than once.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

// Verify wsTransport implements session.Transport at compile time.
var _ session.Transport = (*wsTransport)(nil)
