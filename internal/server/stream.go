package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"crosslink/internal/core"
	"crosslink/internal/hub"
	apperrors "crosslink/pkg/errors"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

// streamMessage is the wire form of one ledger update.
type streamMessage struct {
	Kind       string              `json:"kind"`
	OnBehalfOf string              `json:"on_behalf_of"`
	Instrument int64               `json:"base_instrument"`
	Seq        uint64              `json:"seq"`
	Fill       *core.FillRecord    `json:"fill,omitempty"`
	Position   *core.PositionState `json:"position,omitempty"`
}

// parseInstruments interprets the instruments query parameter. Empty or
// "all" subscribes to every instrument.
func parseInstruments(raw string) ([]int64, error) {
	if raw == "" || raw == "all" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	onBehalfOf := mux.Vars(r)["onBehalfOf"]

	instruments, err := parseInstruments(r.URL.Query().Get("instruments"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid instruments parameter", err.Error())
		return
	}

	ip := s.getRemoteIP(r)
	if !s.getIPLimiter(ip).Allow() {
		s.logger.Warn("IP rate limit exceeded", "ip", ip)
		websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		websocketActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			websocketActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		s.logger.Warn("Max stream connections reached")
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sub := s.hub.Subscribe(onBehalfOf, instruments)
	s.logger.Info("Stream connected",
		"subscription_id", sub.ID(),
		"on_behalf_of", onBehalfOf,
		"remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, sub)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, sub)
	}()
	wg.Wait()

	conn.Close()
	s.logger.Info("Stream disconnected", "subscription_id", sub.ID())
}

// writePump forwards updates from the subscription to the socket.
func (s *Server) writePump(conn *websocket.Conn, sub *hub.Subscription) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case u, ok := <-sub.Updates():
			conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				// subscription terminated; tell the peer why
				if errors.Is(sub.Err(), apperrors.ErrSubscriberOverflow) {
					msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow")
					conn.WriteMessage(websocket.CloseMessage, msg)
				} else {
					conn.WriteMessage(websocket.CloseMessage, []byte{})
				}
				return
			}

			msg := streamMessage{
				Kind:       u.Kind.String(),
				OnBehalfOf: u.OnBehalfOf,
				Instrument: u.Key.Instrument,
				Seq:        u.Seq,
				Fill:       u.Fill,
				Position:   u.Position,
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("Stream write error", "error", err)
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

// readPump drains the socket for control frames; clients never send data.
// Deregistering here closes the subscription channel, so a dead socket wakes
// writePump right away instead of waiting out the next ping tick.
func (s *Server) readPump(conn *websocket.Conn, sub *hub.Subscription) {
	defer s.hub.Unsubscribe(sub)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Stream read error", "subscription_id", sub.ID(), "error", err)
			}
			return
		}
	}
}
