package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mull2536/call-agent/internal/broadcast"
	"github.com/mull2536/call-agent/internal/observability"
)

const (
	readIdleTimeout = 120 * time.Second
	writeTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
)

// mediaLeg adapts the telephony media stream socket to bridge.Leg.
type mediaLeg struct {
	conn      *websocket.Conn
	metrics   *observability.Metrics
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (l *mediaLeg) WriteJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteJSON(v); err != nil {
		l.metrics.ObserveWSMessage("media_stream", "outbound", "write_error")
		return err
	}
	return nil
}

func (l *mediaLeg) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
	})
	return err
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Calls == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "call bridge not configured")
		return
	}
	callHint := strings.TrimSpace(r.URL.Query().Get("call_sid"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	leg := &mediaLeg{conn: conn, metrics: s.metrics}
	defer leg.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan []byte, 256)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer close(frames)

		conn.SetReadLimit(2 << 20)
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
			return nil
		})
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	s.deps.Calls.Serve(ctx, leg, callHint, frames)
	cancel()
	_ = leg.Close()
	<-readerDone
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "broadcast hub not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	obs := broadcast.NewWSObserver(conn, writeTimeout)
	unsubscribe := s.deps.Hub.Subscribe(obs)
	s.metrics.SetObservers(s.deps.Hub.Count())
	s.logger.Info("observer connected", "remote_addr", r.RemoteAddr, "observers", s.deps.Hub.Count())
	defer func() {
		unsubscribe()
		_ = obs.Close()
		s.metrics.SetObservers(s.deps.Hub.Count())
		s.logger.Info("observer disconnected", "remote_addr", r.RemoteAddr)
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})
	// Observers only listen; anything they send is read and dropped.
	for obs.Open() {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	}
}
