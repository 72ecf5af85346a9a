package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const websocketQueueSize = 16

// timeZero clears a connection deadline.
var timeZero time.Time

// Compile-time interface check.
var _ Broker = (*WebSocketBroker)(nil)

// WebSocketBroker registers identities with a remote Hub.
type WebSocketBroker struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWebSocketBroker creates a broker for the hub at url (ws:// or wss://).
func NewWebSocketBroker(url string, logger *zap.Logger) *WebSocketBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketBroker{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Register connects to the hub and waits for the assigned id.
func (b *WebSocketBroker) Register(ctx context.Context) (Registration, error) {
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling hub: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var open Signal
	if err := conn.ReadJSON(&open); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read signaling identity: %w", err)
	}
	if open.Type != SignalOpen || open.To == "" {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected signaling greeting %q", open.Type)
	}
	_ = conn.SetReadDeadline(timeZero)

	reg := &websocketRegistration{
		id:      open.To,
		conn:    conn,
		logger:  b.logger.With(zap.String("peer", open.To)),
		signals: make(chan Signal, websocketQueueSize),
		done:    make(chan struct{}),
	}
	go reg.readLoop()
	return reg, nil
}

type websocketRegistration struct {
	id      string
	conn    *websocket.Conn
	logger  *zap.Logger
	signals chan Signal

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (r *websocketRegistration) ID() string { return r.id }

func (r *websocketRegistration) Signals() <-chan Signal { return r.signals }

func (r *websocketRegistration) Send(ctx context.Context, signal Signal) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	signal.From = r.id
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = r.conn.SetWriteDeadline(deadline)
		defer r.conn.SetWriteDeadline(timeZero)
	}
	if err := r.conn.WriteJSON(signal); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	return nil
}

func (r *websocketRegistration) readLoop() {
	defer close(r.signals)
	for {
		var signal Signal
		if err := r.conn.ReadJSON(&signal); err != nil {
			select {
			case <-r.done:
			default:
				r.logger.Debug("signaling connection ended", zap.Error(err))
			}
			return
		}
		select {
		case r.signals <- signal:
		case <-r.done:
			return
		}
	}
}

func (r *websocketRegistration) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.writeMu.Lock()
		_ = r.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		err = r.conn.Close()
	})
	return err
}
