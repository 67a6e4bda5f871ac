package ws

import (
	"sync"
	"time"
)

// Transport is the minimal surface the registry needs from a websocket
// connection. *websocket.Conn satisfies it; tests plug in fakes.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// ConnectionStatus tracks the lifecycle of one transport session.
type ConnectionStatus string

const (
	StatusConnecting    ConnectionStatus = "connecting"
	StatusConnected     ConnectionStatus = "connected"
	StatusDisconnecting ConnectionStatus = "disconnecting"
	StatusDisconnected  ConnectionStatus = "disconnected"
	StatusError         ConnectionStatus = "error"
)

// Connection is the registry-owned state for one live transport session.
// All fields except the write path are guarded by the registry lock.
type Connection struct {
	ID             string
	UserID         string
	SessionID      string
	Status         ConnectionStatus
	ConnectedAt    time.Time
	LastActivityAt time.Time
	Topics         map[string]struct{}
	Metadata       map[string]string

	transport Transport
	// writeMu serializes writes so per-connection sends keep call order.
	writeMu sync.Mutex
	rate    *rateWindow
}

func (c *Connection) touch(now time.Time) {
	c.LastActivityAt = now
}

// rateWindow is a fixed-size rolling per-minute counter: six ten-second
// buckets, advanced lazily on each Allow call.
type rateWindow struct {
	mu      sync.Mutex
	buckets [6]int
	slot    int64
	limit   int
}

func newRateWindow(limit int) *rateWindow {
	return &rateWindow{limit: limit}
}

// Allow counts one operation against the rolling minute and reports
// whether it fits under the limit. A limit of zero disables limiting.
func (r *rateWindow) Allow(now time.Time) bool {
	if r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := now.Unix() / 10
	if r.slot == 0 || slot-r.slot >= 6 {
		r.buckets = [6]int{}
		r.slot = slot
	}
	for r.slot < slot {
		r.slot++
		r.buckets[r.slot%6] = 0
	}

	total := 0
	for _, b := range r.buckets {
		total += b
	}
	if total >= r.limit {
		return false
	}
	r.buckets[slot%6]++
	return true
}
