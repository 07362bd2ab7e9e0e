package transport

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
)

const socketWriteWait = 10 * time.Second

// SocketChannel carries envelopes as JSON text frames over a websocket.
type SocketChannel struct {
	id     string
	origin string
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	box     *mailbox

	once sync.Once
	done chan struct{}
}

// NewSocket wraps an established websocket connection and starts reading it.
func NewSocket(conn *websocket.Conn, origin string, logger *zap.Logger) *SocketChannel {
	logger = logging.OrNop(logger)
	s := &SocketChannel{
		id:     id.NewChannelID().String(),
		origin: origin,
		conn:   conn,
		logger: logger,
		box:    newMailbox(),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *SocketChannel) ID() string                   { return s.id }
func (s *SocketChannel) Kind() Kind                   { return KindSocket }
func (s *SocketChannel) Origin() string               { return s.origin }
func (s *SocketChannel) Inbox() <-chan types.Envelope { return s.box.out }
func (s *SocketChannel) Done() <-chan struct{}        { return s.done }

// Send writes env as one text frame.
func (s *SocketChannel) Send(env types.Envelope) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	payload, err := sonic.Marshal(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.Close()
		return ErrClosed
	}
	return nil
}

// Close shuts the connection down. Safe to call more than once.
func (s *SocketChannel) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.box.close()
		err = s.conn.Close()
	})
	return err
}

func (s *SocketChannel) readLoop() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("socket read failed", zap.String("channel", s.id), zap.Error(err))
			}
			return
		}

		var env types.Envelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			// Not our protocol; a page may share the socket with other traffic.
			s.logger.Debug("dropping malformed frame", zap.String("channel", s.id), zap.Error(err))
			continue
		}
		s.box.push(env)
	}
}
