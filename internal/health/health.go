package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sudooom.im.roomsync/internal/connection"
	apperrors "sudooom.im.roomsync/internal/errors"
	"sudooom.im.roomsync/internal/model"
	"sudooom.im.roomsync/internal/workerpool"
)

// Status 健康状态
type Status struct {
	Service  string             `json:"service"`
	Redis    string             `json:"redis"`
	Rooms    int                `json:"rooms"`
	Sessions []connection.Stats `json:"sessions"`
	Sink     *workerpool.Stats  `json:"sink,omitempty"`
}

// Rooms 房间注册表的只读视图
type Rooms interface {
	Count() int
	List() []*model.RoomState
	Get(id string) (*model.RoomState, bool)
	Sessions() []connection.Stats
}

// Presence Redis 在线状态的只读视图
type Presence interface {
	Ping(ctx context.Context) error
	Members(ctx context.Context, roomID string) ([]string, error)
}

// RoomView 房间详情，附带当前在线玩家
type RoomView struct {
	*model.RoomState
	Online []string `json:"online,omitempty"`
}

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Checker 健康检查器
type Checker struct {
	rooms Rooms
	redis Presence
	pool  *workerpool.Pool
}

// NewChecker 创建健康检查器，redis 和 pool 可以为 nil
func NewChecker(rooms Rooms, redis Presence, pool *workerpool.Pool) *Checker {
	return &Checker{
		rooms: rooms,
		redis: redis,
		pool:  pool,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service: "roomsync",
		Rooms:   h.rooms.Count(),
	}

	// 检查 Redis
	if h.redis != nil {
		redisCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := h.redis.Ping(redisCtx); err == nil {
			status.Redis = "connected"
		} else {
			status.Redis = "disconnected"
		}
	} else {
		status.Redis = "not configured"
	}

	status.Sessions = h.rooms.Sessions()

	if h.pool != nil {
		stats := h.pool.Stats()
		status.Sink = &stats
	}

	return status
}

// IsReady 至少一个会话已连接，且配置的 Redis 可用
func (h *Checker) IsReady(status *Status) bool {
	if status.Redis == "disconnected" {
		return false
	}
	for _, s := range status.Sessions {
		if s.State == connection.StateConnected.String() {
			return true
		}
	}
	return false
}

// Router 注册调试接口
func (h *Checker) Router(mode string) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.health)
	r.GET("/ready", h.ready)

	rooms := r.Group("/rooms")
	{
		rooms.GET("", h.listRooms)
		rooms.GET("/:id", h.getRoom)
	}
	return r
}

func (h *Checker) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.Check(c.Request.Context()))
}

func (h *Checker) ready(c *gin.Context) {
	status := h.Check(c.Request.Context())
	if !h.IsReady(status) {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Checker) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Code:    apperrors.CodeSuccess,
		Message: "success",
		Data:    h.rooms.List(),
	})
}

func (h *Checker) getRoom(c *gin.Context) {
	state, ok := h.rooms.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, Response{
			Code:    apperrors.CodeRoomNotFound,
			Message: apperrors.ErrRoomNotFound.Message,
		})
		return
	}
	view := RoomView{RoomState: state}
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		// Redis 不可用时只返回房间状态
		if members, err := h.redis.Members(ctx, state.ID); err == nil {
			view.Online = members
		}
	}

	c.JSON(http.StatusOK, Response{
		Code:    apperrors.CodeSuccess,
		Message: "success",
		Data:    view,
	})
}
