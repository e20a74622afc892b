package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mull2536/call-agent/internal/protocol"
)

// WSObserver adapts a websocket connection to Observer.
type WSObserver struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewWSObserver(conn *websocket.Conn, writeTimeout time.Duration) *WSObserver {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSObserver{conn: conn, writeTimeout: writeTimeout}
}

func (o *WSObserver) Send(msg protocol.BroadcastMessage) error {
	if o.closed.Load() {
		return ErrObserverClosed
	}
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	_ = o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
	if err := o.conn.WriteJSON(msg); err != nil {
		o.closed.Store(true)
		return err
	}
	return nil
}

func (o *WSObserver) Open() bool {
	return !o.closed.Load()
}

func (o *WSObserver) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		err = o.conn.Close()
	})
	return err
}
