package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/events"
	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Subscriber hands out event subscriptions
type Subscriber interface {
	Subscribe(taskID string) *events.Subscription
}

// taskReader is implemented by subscribers that can also report a task's
// current state
type taskReader interface {
	GetTask(ctx context.Context, id string) (*models.TaskResponse, error)
}

// Server streams task events to websocket clients
type Server struct {
	events Subscriber
	log    *zap.Logger
}

func NewServer(events Subscriber, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		events: events,
		log:    logger,
	}
}

// HandleEventStream upgrades the request and forwards every event of taskID
// as a JSON message. The stream ends after the task's terminal event, when the
// client goes away, or when the broker shuts down. A task that already
// finished gets its outcome as a single event and the stream closes.
func (s *Server) HandleEventStream(w http.ResponseWriter, r *http.Request, taskID string) {
	sub := s.events.Subscribe(taskID)
	defer sub.Close()

	// read after subscribing so a task finishing in between is not missed
	final, finished := s.finalEvent(r.Context(), taskID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	log := s.log.With(zap.String("task", taskID))

	if finished {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(final); err != nil {
			log.Debug("failed to write event", zap.Error(err))
			return
		}
		s.closeStream(conn, websocket.CloseNormalClosure, string(final.Type))
		return
	}
	log.Debug("event stream opened")

	// the read side only watches for the client closing and answers pongs
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("event stream read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			log.Debug("event stream closed by client")
			return

		case ev, ok := <-sub.C:
			if !ok {
				s.closeStream(conn, websocket.CloseGoingAway, "server shutting down")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("failed to write event", zap.Error(err))
				return
			}
			if taskID != events.AllTasks && isFinal(ev.Type) {
				s.closeStream(conn, websocket.CloseNormalClosure, string(ev.Type))
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// finalEvent describes the outcome of taskID when it has already finished
func (s *Server) finalEvent(ctx context.Context, taskID string) (models.TaskEvent, bool) {
	reader, ok := s.events.(taskReader)
	if !ok || taskID == events.AllTasks {
		return models.TaskEvent{}, false
	}
	task, err := reader.GetTask(ctx, taskID)
	if err != nil || !task.Status.Terminal() {
		return models.TaskEvent{}, false
	}

	ev := models.TaskEvent{TaskID: taskID, Iteration: task.Iteration, Timestamp: task.UpdatedAt}
	switch task.Status {
	case models.TaskCompleted:
		ev.Type = models.EventCompleted
		ev.Message = task.Result
	case models.TaskFailed:
		ev.Type = models.EventFailed
		ev.Message = task.Error
	default:
		ev.Type = models.EventCancelled
	}
	return ev, true
}

func (s *Server) closeStream(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func isFinal(t models.EventType) bool {
	switch t {
	case models.EventCompleted, models.EventFailed, models.EventCancelled:
		return true
	}
	return false
}
