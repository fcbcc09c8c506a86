package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/connpro/orchestrator/internal/job"
)

const observerBuffer = 32

type observer struct {
	id  string
	out chan any
}

// Hub fans job status and notifications out to observers on /ws/observer.
// Sends never block: an observer that falls behind loses messages.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]*observer
	current   func() job.Status
	logger    *slog.Logger
}

// NewHub takes a function returning the current status, sent to each
// observer when it connects. It may be nil.
func NewHub(current func() job.Status, logger *slog.Logger) *Hub {
	return &Hub{
		observers: make(map[string]*observer),
		current:   current,
		logger:    logger.With("component", "observers"),
	}
}

func (h *Hub) SetCurrent(current func() job.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = current
}

func (h *Hub) BroadcastStatus(s job.Status) {
	h.publish(StatusMessage{Type: TypeStatus, Status: s})
}

func (h *Hub) Notify(_ context.Context, n job.Notification) error {
	h.publish(NotificationMessage{Type: TypeNotification, Notification: n})
	return nil
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

func (h *Hub) publish(msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, o := range h.observers {
		select {
		case o.out <- msg:
		default:
			h.logger.Debug("observer too slow, dropping message", "observer", o.id)
		}
	}
}

func (h *Hub) HandleObserver(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	o := &observer{id: uuid.NewString(), out: make(chan any, observerBuffer)}

	h.mu.Lock()
	h.observers[o.id] = o
	current := h.current
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.observers, o.id)
		h.mu.Unlock()
	}()

	// Observers only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())

	// current takes the controller lock, and the controller broadcasts
	// while holding it, so it must run without h.mu. The snapshot goes
	// out first; anything queued meanwhile follows it.
	if current != nil {
		if err := h.write(ctx, conn, StatusMessage{Type: TypeStatus, Status: current()}); err != nil {
			h.logger.Debug("observer write failed", "observer", o.id, "err", err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.out:
			if err := h.write(ctx, conn, msg); err != nil {
				h.logger.Debug("observer write failed", "observer", o.id, "err", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
