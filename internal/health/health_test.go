package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.roomsync/internal/connection"
	apperrors "sudooom.im.roomsync/internal/errors"
	"sudooom.im.roomsync/internal/model"
	"sudooom.im.roomsync/internal/workerpool"
)

type fakeRooms struct {
	rooms    map[string]*model.RoomState
	sessions []connection.Stats
}

func (f *fakeRooms) Count() int { return len(f.rooms) }

func (f *fakeRooms) List() []*model.RoomState {
	list := make([]*model.RoomState, 0, len(f.rooms))
	for _, r := range f.rooms {
		list = append(list, r)
	}
	return list
}

func (f *fakeRooms) Get(id string) (*model.RoomState, bool) {
	r, ok := f.rooms[id]
	return r, ok
}

func (f *fakeRooms) Sessions() []connection.Stats { return f.sessions }

type fakePresence struct {
	err     error
	members map[string][]string
}

func (p fakePresence) Ping(context.Context) error { return p.err }

func (p fakePresence) Members(_ context.Context, roomID string) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.members[roomID], nil
}

func newRooms(state connection.State) *fakeRooms {
	room := model.NewRoomState("room-1")
	room.Name = "Lobby"
	room.Resources["gold"] = 5
	return &fakeRooms{
		rooms:    map[string]*model.RoomState{"room-1": room},
		sessions: []connection.Stats{{RoomID: "room-1", State: state.String()}},
	}
}

func serve(t *testing.T, h *Checker, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := h.Router(gin.TestMode)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestChecker_Health(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := workerpool.New("sink", 1, 4, logger)
	defer pool.Shutdown(context.Background())

	h := NewChecker(newRooms(connection.StateConnected), fakePresence{}, pool)
	w := serve(t, h, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var status Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "roomsync", status.Service)
	assert.Equal(t, "connected", status.Redis)
	assert.Equal(t, 1, status.Rooms)
	require.Len(t, status.Sessions, 1)
	require.NotNil(t, status.Sink)
	assert.Equal(t, "sink", status.Sink.Name)
}

func TestChecker_Ready(t *testing.T) {
	tests := []struct {
		name  string
		state connection.State
		redis Presence
		want  int
	}{
		{"已连接", connection.StateConnected, nil, http.StatusOK},
		{"重连中", connection.StateReconnectWait, nil, http.StatusServiceUnavailable},
		{"Redis 不可用", connection.StateConnected, fakePresence{err: errors.New("down")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewChecker(newRooms(tt.state), tt.redis, nil)
			w := serve(t, h, "/ready")
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestChecker_NoRedisConfigured(t *testing.T) {
	h := NewChecker(newRooms(connection.StateConnected), nil, nil)
	status := h.Check(context.Background())
	assert.Equal(t, "not configured", status.Redis)
	assert.Nil(t, status.Sink)
}

func TestChecker_Rooms(t *testing.T) {
	h := NewChecker(newRooms(connection.StateConnected), nil, nil)

	w := serve(t, h, "/rooms")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Code int                `json:"code"`
		Data []*model.RoomState `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "Lobby", list.Data[0].Name)

	w = serve(t, h, "/rooms/room-1")
	require.Equal(t, http.StatusOK, w.Code)
	var one struct {
		Data model.RoomState `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, float64(5), one.Data.Resources["gold"])
	assert.Contains(t, w.Body.String(), `"name":"Lobby"`)
	assert.NotContains(t, w.Body.String(), `"online"`)

	w = serve(t, h, "/rooms/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.CodeRoomNotFound, resp.Code)
}

func TestChecker_RoomOnlinePlayers(t *testing.T) {
	redis := fakePresence{members: map[string][]string{"room-1": {"p1", "p2"}}}
	h := NewChecker(newRooms(connection.StateConnected), redis, nil)

	w := serve(t, h, "/rooms/room-1")
	require.Equal(t, http.StatusOK, w.Code)
	var one struct {
		Data struct {
			ID     string   `json:"id"`
			Online []string `json:"online"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, "room-1", one.Data.ID)
	assert.Equal(t, []string{"p1", "p2"}, one.Data.Online)

	// Redis 不可用时仍返回房间
	h = NewChecker(newRooms(connection.StateConnected), fakePresence{err: errors.New("down")}, nil)
	w = serve(t, h, "/rooms/room-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"online"`)
}
