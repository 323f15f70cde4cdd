// Package gateway serves the local debug stream: a websocket endpoint
// that relays every bus event as JSON. It binds loopback only and is
// never registered on tunnelled routes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/events"
	"github.com/termbridge/termbridge/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Loopback listener only; no cross-origin surface to defend.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the debug event gateway.
type Server struct {
	events bus.EventBus
	log    *logger.Logger
	srv    *http.Server
	port   int
}

// NewServer builds the gateway over the given bus.
func NewServer(port int, eb bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		events: eb,
		log:    log.WithFields(zap.String("component", "gateway")),
		port:   port,
	}
}

// Start listens on localhost and serves GET /debug/events.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/events", s.handleEvents)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("gateway stopped")
		}
	}()
	s.log.Info("debug gateway listening", zap.Int("port", s.port))
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Port returns the bound port.
func (s *Server) Port() int { return s.port }

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	send := make(chan []byte, sendBuffer)
	sub, err := s.events.Subscribe(events.AllSubjects, func(ctx context.Context, ev *bus.Event) error {
		data, merr := json.Marshal(ev)
		if merr != nil {
			return merr
		}
		select {
		case send <- data:
		default:
			// Slow reader; drop rather than stall the bus.
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("event subscribe failed")
		conn.Close()
		return
	}

	go s.writePump(conn, send)
	s.readPump(conn)
	// The handler may still be in flight; the buffered channel absorbs
	// its last sends, so it is never closed.
	_ = sub.Unsubscribe()
}

// readPump consumes (and discards) client frames to service pongs and
// detect disconnects.
func (s *Server) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("websocket read error")
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
