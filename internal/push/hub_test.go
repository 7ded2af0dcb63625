package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phillus33/notification-status-worker/internal/notification"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_NoObservers(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)

	require.Equal(t, 0, hub.Broadcast(Event{MessageID: "m1"}))
	hub.Notify(context.Background(), notification.StatusReport{MessageID: "m1", Outcome: notification.OutcomeSucceeded})
}

func TestHub_BroadcastReachesEveryObserver(t *testing.T) {
	hub, url := newTestHub(t)
	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	report := notification.StatusReport{
		MessageID:  "m1",
		Outcome:    notification.OutcomeSucceeded,
		ReportedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	hub.Notify(context.Background(), report)

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var got struct {
			Event string `json:"event"`
			Data  Event  `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, EventName, got.Event)
		require.Equal(t, Event{
			Type:      EventType,
			MessageID: "m1",
			Status:    notification.OutcomeSucceeded,
			Timestamp: "2024-01-01T00:00:00.000Z",
		}, got.Data)
	}
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, hub.Broadcast(Event{MessageID: "m1"}))
}
