package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateRoomResponse is returned by POST /api/rooms/create.
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// JoinRoomRequest is the body of POST /api/rooms/join. RoomID may also be
// the room code.
type JoinRoomRequest struct {
	RoomID string `json:"roomId" binding:"required"`
}

// RoomInfo describes a room and its live participant count.
type RoomInfo struct {
	Room
	Participants int `json:"participants"`
	Capacity     int `json:"capacity"`
}

func (s *Server) createRoom(c *gin.Context) {
	userID := c.GetString(userIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room := Room{
		ID:        uuid.NewString(),
		Code:      generateRoomCode(),
		CreatorID: userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(c.Request.Context(), room, s.cfg.RoomTTL); err != nil {
		s.log.Errorf("create room: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	s.log.Infof("room %s (code %s) created by %s", room.ID, room.Code, userID)
	c.JSON(http.StatusCreated, CreateRoomResponse{RoomID: room.ID, Code: room.Code})
}

// joinRoom validates that a room exists and still has a free slot. The
// slot is only taken when the participant joins over the websocket.
func (s *Server) joinRoom(c *gin.Context) {
	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	room, ok := s.lookup(c, req.RoomID)
	if !ok {
		return
	}
	if n := s.hub.Count(room.ID); n >= maxParticipants {
		c.JSON(http.StatusConflict, gin.H{"error": ErrRoomFull.Error()})
		return
	}
	c.JSON(http.StatusOK, s.info(room))
}

func (s *Server) getRoom(c *gin.Context) {
	room, ok := s.lookup(c, c.Param("roomId"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.info(room))
}

func (s *Server) deleteRoom(c *gin.Context) {
	room, ok := s.lookup(c, c.Param("roomId"))
	if !ok {
		return
	}
	if room.CreatorID != c.GetString(userIDKey) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}
	if err := s.store.Delete(c.Request.Context(), room.ID); err != nil && !errors.Is(err, ErrRoomNotFound) {
		s.log.Errorf("delete room %s: %v", room.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	s.log.Infof("room %s deleted", room.ID)
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// lookup resolves a room id or code, writing the error response itself.
func (s *Server) lookup(c *gin.Context, idOrCode string) (Room, bool) {
	room, err := s.store.Get(c.Request.Context(), idOrCode)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return Room{}, false
	case err != nil:
		s.log.Errorf("lookup %s: %v", idOrCode, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return Room{}, false
	}
	return room, true
}

func (s *Server) info(room Room) RoomInfo {
	return RoomInfo{Room: room, Participants: s.hub.Count(room.ID), Capacity: maxParticipants}
}
