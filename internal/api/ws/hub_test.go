package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/your-org/retrack/pkg/dto"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubFiltersBySession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	go hub.Run()

	r := gin.New()
	r.GET("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	watched, other := uuid.New(), uuid.New()
	all := dial(t, srv, "")
	one := dial(t, srv, "?session_id="+watched.String())
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	hub.BroadcastEvent(&dto.WSEvent{Type: "track_event", SessionID: other, Data: dto.TrackEventResponse{TrackID: 1}})
	hub.BroadcastEvent(&dto.WSEvent{Type: "track_event", SessionID: watched, Data: dto.TrackEventResponse{TrackID: 2}})

	read := func(conn *websocket.Conn) dto.WSEvent {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev dto.WSEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	require.Equal(t, int64(1), read(all).Data.TrackID)
	require.Equal(t, int64(2), read(all).Data.TrackID)

	// the filtered client only sees its session
	got := read(one)
	require.Equal(t, watched, got.SessionID)
	require.Equal(t, int64(2), got.Data.TrackID)

	one.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
}
