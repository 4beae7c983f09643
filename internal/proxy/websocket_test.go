package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/events"
	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

func dial(t *testing.T, broker *events.Broker, taskID string) *websocket.Conn {
	t.Helper()
	conn := dialServer(t, NewServer(broker, nil), taskID)
	require.Eventually(t, func() bool { return broker.Subscribers(taskID) == 1 }, time.Second, time.Millisecond)
	return conn
}

func dialServer(t *testing.T, s *Server, taskID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.HandleEventStream(w, r, taskID)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventStream(t *testing.T) {
	broker := events.NewBroker(8, nil)
	defer broker.Close()
	conn := dial(t, broker, "t1")

	broker.Publish(models.TaskEvent{Type: models.EventCheckpoint, TaskID: "t1", Iteration: 1})
	broker.Publish(models.TaskEvent{Type: models.EventCheckpoint, TaskID: "other", Iteration: 9})
	broker.Publish(models.TaskEvent{Type: models.EventCompleted, TaskID: "t1", Message: "done"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev models.TaskEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventCheckpoint, ev.Type)
	assert.Equal(t, 1, ev.Iteration)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventCompleted, ev.Type)
	assert.Equal(t, "done", ev.Message)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "stream closes after the final event: %v", err)
}

func TestEventStream_BrokerShutdown(t *testing.T) {
	broker := events.NewBroker(8, nil)
	conn := dial(t, broker, events.AllTasks)

	broker.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestEventStream_ClientDisconnect(t *testing.T) {
	broker := events.NewBroker(8, nil)
	defer broker.Close()
	conn := dial(t, broker, "t1")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return broker.Subscribers("t1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

// taskFeed is a broker that also knows the state of each task
type taskFeed struct {
	*events.Broker
	tasks map[string]models.TaskResponse
}

func (f *taskFeed) GetTask(ctx context.Context, id string) (*models.TaskResponse, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, errors.New("task not found")
	}
	return &task, nil
}

func TestEventStream_AlreadyFinished(t *testing.T) {
	feed := &taskFeed{
		Broker: events.NewBroker(8, nil),
		tasks: map[string]models.TaskResponse{
			"done":    {ID: "done", Status: models.TaskCompleted, Result: "$5", Iteration: 2},
			"gone":    {ID: "gone", Status: models.TaskCancelled},
			"running": {ID: "running", Status: models.TaskRunning},
		},
	}
	defer feed.Close()
	s := NewServer(feed, nil)

	conn := dialServer(t, s, "done")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.TaskEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventCompleted, ev.Type)
	assert.Equal(t, "$5", ev.Message)
	assert.Equal(t, 2, ev.Iteration)
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	conn = dialServer(t, s, "gone")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventCancelled, ev.Type)

	conn = dialServer(t, s, "running")
	require.Eventually(t, func() bool { return feed.Subscribers("running") == 1 }, time.Second, time.Millisecond)
	feed.Publish(models.TaskEvent{Type: models.EventFailed, TaskID: "running", Message: "boom"})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventFailed, ev.Type)
}
