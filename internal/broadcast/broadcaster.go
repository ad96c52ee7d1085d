// Package broadcast is the Status Broadcaster: coalesced
// WebSocket fan-out of active recordings and per-recording processing
// state. Hub shape grounded on Shannon's httpapi websocket handler; per-
// connection send queues keep one slow client from stalling the rest.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Serph91P/StreamVault-sub002/internal/log"
	"github.com/Serph91P/StreamVault-sub002/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Envelope is the wire shape of every broadcast.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Recognised envelope types.
const (
	TypeConnectionStatus    = "connection.status"
	TypeRecordingStarted    = "recording_started"
	TypeRecordingStopped    = "recording_stopped"
	TypeRecordingAvailable  = "recording_available"
	TypeProcessingStatus    = "recording_processing_status"
	TypeActiveRecordings    = "active_recordings_update"
	TypeQueueStats          = "queue_stats_update"
	TypeTaskProgress        = "task_progress_update"
	TypeToast               = "toast"
)

const (
	sendQueueDepth   = 64
	writeDeadline    = 5 * time.Second
	pongWait         = 60 * time.Second
	pingInterval     = 20 * time.Second
	processingDebounce = 150 * time.Millisecond
)

type connection struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// close signals the pumps to exit. The send channel itself is never
// closed, so concurrent Broadcast calls can never send on a closed
// channel.
func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Broadcaster owns the connection set and the per-recording debounce map.
type Broadcaster struct {
	mu    sync.Mutex
	conns map[string]*connection

	// pending per-recording processing-state deltas, keyed by recording id
	// so bursts from one pipeline collapse to the newest delta.
	debounceMu sync.Mutex
	debounce   map[int64]*debounced

	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

type debounced struct {
	timer *time.Timer
	data  any
}

func New() *Broadcaster {
	return &Broadcaster{
		conns:    make(map[string]*connection),
		debounce: make(map[int64]*debounced),
		logger:   log.WithComponent("broadcast"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // secured by the reverse proxy
		},
	}
}

// ServeHTTP upgrades a client connection and registers it. Each connection
// gets a fresh uuid so duplicate tabs from one client are counted, not
// deduped.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &connection{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan []byte, sendQueueDepth),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.conns[c.id] = c
	n := len(b.conns)
	b.mu.Unlock()
	metrics.WebsocketClientsSet(n)

	b.logger.Debug().Str("connection_id", c.id).Int("connections", n).Msg("websocket client connected")

	go b.writePump(c)
	go b.readPump(c)

	b.sendTo(c, Envelope{
		Type:      TypeConnectionStatus,
		Data:      map[string]any{"connection_id": c.id, "status": "connected"},
		Timestamp: time.Now().UTC(),
	})
}

func (b *Broadcaster) readPump(c *connection) {
	defer b.drop(c)
	c.ws.SetReadLimit(512)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writePump(c *connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				b.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.drop(c)
				return
			}
		}
	}
}

func (b *Broadcaster) drop(c *connection) {
	b.mu.Lock()
	_, present := b.conns[c.id]
	delete(b.conns, c.id)
	n := len(b.conns)
	b.mu.Unlock()
	if present {
		c.close()
		metrics.WebsocketClientsSet(n)
		b.logger.Debug().Str("connection_id", c.id).Msg("websocket client dropped")
	}
}

// Broadcast sends an envelope to every connection. A client whose send
// queue is full is dropped and closed rather than blocking the fan-out.
func (b *Broadcaster) Broadcast(env Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	msg, err := json.Marshal(env)
	if err != nil {
		b.logger.Error().Err(err).Str("type", env.Type).Msg("failed to marshal broadcast envelope")
		return
	}

	b.mu.Lock()
	targets := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			b.logger.Warn().Str("connection_id", c.id).Msg("send queue full, dropping slow websocket client")
			b.drop(c)
		}
	}
}

func (b *Broadcaster) sendTo(c *connection, env Envelope) {
	msg, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// Notify implements the lifecycle.Notifier / pipeline.Notifier seam.
func (b *Broadcaster) Notify(eventType string, data any) {
	b.Broadcast(Envelope{Type: eventType, Data: data})
}

// NotifyProcessing coalesces per-recording processing deltas with a 150 ms
// debounce keyed by recordingID; the last delta wins.
func (b *Broadcaster) NotifyProcessing(recordingID int64, data any) {
	b.debounceMu.Lock()
	defer b.debounceMu.Unlock()

	if d, ok := b.debounce[recordingID]; ok {
		d.data = data
		return
	}
	d := &debounced{data: data}
	d.timer = time.AfterFunc(processingDebounce, func() {
		b.debounceMu.Lock()
		payload := d.data
		delete(b.debounce, recordingID)
		b.debounceMu.Unlock()
		b.Broadcast(Envelope{Type: TypeProcessingStatus, Data: payload})
	})
	b.debounce[recordingID] = d
}

// TaskProgress implements queue.ProgressSink.
func (b *Broadcaster) TaskProgress(taskID string, fraction float64, message string) {
	b.Broadcast(Envelope{
		Type: TypeTaskProgress,
		Data: map[string]any{
			"task_id":  taskID,
			"progress": fraction,
			"message":  message,
		},
	})
}

// ConnectionCount reports the number of open connections.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// CloseAll tears down every connection at shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	conns := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[string]*connection)
	b.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	metrics.WebsocketClientsSet(0)
}

// SnapshotSource feeds the periodic active-recordings snapshot.
type SnapshotSource interface {
	ActiveRecordingsSnapshot(ctx context.Context) (any, error)
	QueueStatsSnapshot() any
}

// RunPeriodicSnapshots sends the active-recordings snapshot every interval
//, skipping the send when nothing changed since the last
// one.
func (b *Broadcaster) RunPeriodicSnapshots(ctx context.Context, src SnapshotSource, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastActive, lastStats []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if snap, err := src.ActiveRecordingsSnapshot(ctx); err == nil {
				if enc, err := json.Marshal(snap); err == nil && string(enc) != string(lastActive) {
					lastActive = enc
					b.Broadcast(Envelope{Type: TypeActiveRecordings, Data: snap})
				}
			}
			stats := src.QueueStatsSnapshot()
			if enc, err := json.Marshal(stats); err == nil && string(enc) != string(lastStats) {
				lastStats = enc
				b.Broadcast(Envelope{Type: TypeQueueStats, Data: stats})
			}
		}
	}
}
