package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/edgeanalytics/internal/pipeline"
)

const (
	subscriberQueue = 64
	wsWriteTimeout  = 5 * time.Second
	wsPingInterval  = 20 * time.Second
	wsReadLimit     = 4 << 10
)

// ProgressEvent is the JSON message pushed to /ws/progress subscribers.
type ProgressEvent struct {
	Type        string `json:"type"` // run_started, progress, run_finished
	RunID       string `json:"run_id"`
	Input       string `json:"input,omitempty"`
	Output      string `json:"output,omitempty"`
	Index       int    `json:"index,omitempty"`
	Dispatched  bool   `json:"dispatched,omitempty"`
	TotalFrames int    `json:"total_frames,omitempty"`
	Frames      int    `json:"frames,omitempty"`
	Dispatches  int    `json:"dispatches,omitempty"`
	Held        int    `json:"held,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ProgressHub fans pipeline run events out to websocket subscribers. It
// implements pipeline.Observer. Slow subscribers lose events rather than
// stalling a run.
type ProgressHub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

type subscriber struct {
	send    chan []byte
	dropped int
}

// NewProgressHub returns a hub accepting websocket origins allowed by
// checkOrigin; nil accepts same-origin requests only.
func NewProgressHub(checkOrigin func(r *http.Request) bool, logger *zap.Logger) *ProgressHub {
	if logger == nil {
		logger = zap.L()
	}
	return &ProgressHub{
		subscribers: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.Named("progress"),
	}
}

func (h *ProgressHub) RunStarted(e pipeline.RunStart) {
	h.broadcast(ProgressEvent{
		Type:        "run_started",
		RunID:       e.RunID,
		Input:       e.Input,
		Output:      e.Output,
		TotalFrames: e.TotalFrames,
	})
}

func (h *ProgressHub) FrameProcessed(e pipeline.Progress) {
	h.broadcast(ProgressEvent{
		Type:        "progress",
		RunID:       e.RunID,
		Index:       e.Index,
		Dispatched:  e.Dispatched,
		TotalFrames: e.TotalFrames,
	})
}

func (h *ProgressHub) RunFinished(e pipeline.RunResult) {
	ev := ProgressEvent{
		Type:       "run_finished",
		RunID:      e.RunID,
		Output:     e.Output,
		Frames:     e.Frames,
		Dispatches: e.Dispatches,
		Held:       e.Held,
		DurationMS: e.Duration.Milliseconds(),
	}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	h.broadcast(ev)
}

// Subscribers returns the number of connected clients.
func (h *ProgressHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *ProgressHub) broadcast(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subscribers) == 0 {
		return
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal progress event", zap.Error(err))
		return
	}
	for s := range h.subscribers {
		select {
		case s.send <- msg:
		default:
			s.dropped++
		}
	}
}

func (h *ProgressHub) add() *subscriber {
	s := &subscriber{send: make(chan []byte, subscriberQueue)}
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *ProgressHub) remove(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[s]; ok {
		delete(h.subscribers, s)
		close(s.send)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the client goes
// away.
func (h *ProgressHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s := h.add()
	h.logger.Debug("subscriber connected", zap.String("remote", r.RemoteAddr))

	go h.reader(conn, s)
	h.writer(conn, s)
}

// reader discards client messages and unregisters the subscriber once the
// connection drops, which ends the writer.
func (h *ProgressHub) reader(conn *websocket.Conn, s *subscriber) {
	defer h.remove(s)
	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *ProgressHub) writer(conn *websocket.Conn, s *subscriber) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		h.mu.Lock()
		dropped := s.dropped
		h.mu.Unlock()
		if dropped > 0 {
			h.logger.Debug("subscriber dropped events", zap.Int("dropped", dropped))
		}
	}()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(s)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				h.remove(s)
				return
			}
		}
	}
}
