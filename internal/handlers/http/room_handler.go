package http

import (
	"net/http"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"
	"stagelink/internal/core/services"
	"stagelink/pkg/errors"
	"stagelink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomMetrics drops a room's per-room metric series once the room is
// gone; nil disables it.
type RoomMetrics interface {
	ForgetRoom(roomID domain.RoomID)
}

type RoomHandler struct {
	rooms   *services.RoomService
	graph   ports.MediaGraph
	egress  ports.EgressController
	metrics RoomMetrics
}

func NewRoomHandler(rooms *services.RoomService, graph ports.MediaGraph, egress ports.EgressController, metrics RoomMetrics) *RoomHandler {
	return &RoomHandler{
		rooms:   rooms,
		graph:   graph,
		egress:  egress,
		metrics: metrics,
	}
}

// SetupRoutes registers the room CRUD surface. Mutating routes go through
// authGroup; reads are public.
func (h *RoomHandler) SetupRoutes(public, protected *gin.RouterGroup) {
	public.GET("/rooms", h.ListRooms)
	public.GET("/rooms/:id", h.GetRoom)
	public.GET("/rooms/:id/status", h.GetRoomStatus)

	protected.POST("/rooms", h.CreateRoom)
	protected.PATCH("/rooms/:id", h.UpdateRoom)
	protected.DELETE("/rooms/:id", h.DeleteRoom)
}

type roomResponse struct {
	ID         domain.RoomID `json:"id"`
	Name       string        `json:"name"`
	MaxViewers int           `json:"max_viewers"`
	Visible    bool          `json:"visible"`
	CreatedAt  int64         `json:"created_at"`
	UpdatedAt  int64         `json:"updated_at"`
}

func toRoomResponse(room *domain.Room) roomResponse {
	return roomResponse{
		ID:         room.ID,
		Name:       room.Name,
		MaxViewers: room.MaxViewers,
		Visible:    room.Visible,
		CreatedAt:  room.CreatedAt.Unix(),
		UpdatedAt:  room.UpdatedAt.Unix(),
	}
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req struct {
		ID         string `json:"id"`
		Name       string `json:"name" binding:"required,min=1,max=100"`
		MaxViewers int    `json:"max_viewers"`
		Visible    *bool  `json:"visible"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID != "" {
		if err := validation.ValidateRoomID(req.ID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	room, err := h.rooms.CreateRoom(c.Request.Context(), req.Name, services.RoomOptions{
		ID:         domain.RoomID(req.ID),
		MaxViewers: req.MaxViewers,
		Visible:    req.Visible,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"room": toRoomResponse(room)})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	room, err := h.rooms.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": toRoomResponse(room)})
}

// GetRoomStatus reports live occupancy, producers and the egress state.
func (h *RoomHandler) GetRoomStatus(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	ctx := c.Request.Context()

	room, err := h.rooms.GetRoom(ctx, roomID)
	if err != nil {
		c.Error(err)
		return
	}

	viewers, err := h.rooms.ViewerCount(ctx, roomID)
	if err != nil {
		c.Error(err)
		return
	}

	streamerLive := false
	if streamer, err := h.rooms.ActiveStreamer(ctx, roomID); err == nil && streamer != nil {
		streamerLive = true
	}

	set := h.graph.RoomProducers(roomID)
	producers := make([]gin.H, 0, len(set.Producers))
	for _, p := range set.Producers {
		producers = append(producers, gin.H{
			"producer_id": p.ID,
			"session_id":  p.SessionID,
			"kind":        p.Kind,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"room":          toRoomResponse(room),
		"viewers":       viewers,
		"streamer_live": streamerLive,
		"producers":     producers,
		"egress_state":  h.egress.State(roomID),
	})
}

func (h *RoomHandler) UpdateRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	var req struct {
		Name       *string `json:"name"`
		MaxViewers *int    `json:"max_viewers"`
		Visible    *bool   `json:"visible"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.rooms.UpdateRoom(c.Request.Context(), roomID, domain.RoomUpdate{
		Name:       req.Name,
		MaxViewers: req.MaxViewers,
		Visible:    req.Visible,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": toRoomResponse(room)})
}

func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	deleted, err := h.rooms.DeleteRoom(c.Request.Context(), roomID)
	if err != nil {
		c.Error(err)
		return
	}
	if !deleted {
		c.JSON(http.StatusConflict, gin.H{
			"error":   string(errors.ErrCodeInvalidConfig),
			"message": "the default room cannot be deleted",
		})
		return
	}

	if h.metrics != nil {
		h.metrics.ForgetRoom(roomID)
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.rooms.ListRooms(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		if !room.Visible {
			continue
		}
		out = append(out, toRoomResponse(room))
	}

	c.JSON(http.StatusOK, gin.H{"rooms": out})
}
