// Package server implements the rendezvousd HTTP surface: a small REST
// API over the room record plus a websocket feed of change
// notifications. The service is untrusted by design; it only ever sees
// room identifiers, peer identifiers, passphrase fingerprints, and
// encoded session descriptions. Conditional updates surface their
// matched/not-matched outcome as 200 vs 409 so clients can detect lost
// races without a second read.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peercall/internal/rendezvous"
)

// Server wires a rendezvous store to the HTTP API.
type Server struct {
	store  rendezvous.Store
	logger *slog.Logger
}

// New creates a server over the given store.
func New(store rendezvous.Store, logger *slog.Logger) *Server {
	return &Server{store: store, logger: logger}
}

// Router builds the gin engine: public room endpoints, the websocket
// event feed, and JWT-protected operator endpoints.
func (s *Server) Router(allowedOrigins []string, jwtSecret, operatorKey string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(OriginFilter(allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/rooms", s.createRoom)
		api.GET("/rooms/:roomID", s.getRoom)
		api.DELETE("/rooms/:roomID", s.deleteRoom)
		api.POST("/rooms/:roomID/offer", s.setOffer)
		api.POST("/rooms/:roomID/claim", s.claimReceiver)
		api.POST("/rooms/:roomID/heartbeat", s.heartbeat)

		api.POST("/operator/login", Login(jwtSecret, operatorKey))
		operator := api.Group("/operator", OperatorAuth(jwtSecret))
		operator.DELETE("/rooms/:roomID", s.purgeRoom)
	}

	router.GET("/ws/rooms/:roomID", s.handleEvents)

	return router
}

// createRoomRequest is the insert body. Receiver fields and timestamps
// are server-assigned; anything the client sends for them is ignored.
type createRoomRequest struct {
	RoomID         string `json:"room_id" binding:"required"`
	PassphraseHash string `json:"passphrase_hash" binding:"required"`
	InitiatorID    string `json:"initiator_id" binding:"required"`
	Offer          string `json:"offer" binding:"required"`
}

func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record := &rendezvous.Record{
		RoomID:         req.RoomID,
		PassphraseHash: req.PassphraseHash,
		InitiatorID:    req.InitiatorID,
		Offer:          req.Offer,
	}
	if err := s.store.Insert(c.Request.Context(), record); err != nil {
		if errors.Is(err, rendezvous.ErrExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "room already claimed"})
			return
		}
		s.logger.Error("inserting room record", "room", req.RoomID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}

	s.logger.Info("room claimed", "room", req.RoomID, "initiator", req.InitiatorID)
	c.JSON(http.StatusCreated, gin.H{"room_id": req.RoomID})
}

func (s *Server) getRoom(c *gin.Context) {
	roomID := c.Param("roomID")
	record, err := s.store.Get(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, rendezvous.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		s.logger.Error("reading room record", "room", roomID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read room"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) deleteRoom(c *gin.Context) {
	roomID := c.Param("roomID")
	if err := s.store.Delete(c.Request.Context(), roomID); err != nil {
		s.logger.Error("deleting room record", "room", roomID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "room deleted"})
}

type setOfferRequest struct {
	InitiatorID string `json:"initiator_id" binding:"required"`
	Offer       string `json:"offer" binding:"required"`
}

func (s *Server) setOffer(c *gin.Context) {
	var req setOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	matched, err := s.store.SetOffer(c.Request.Context(), c.Param("roomID"), req.InitiatorID, req.Offer)
	s.conditionalResult(c, "offer", matched, err)
}

type claimReceiverRequest struct {
	ReceiverID string `json:"receiver_id" binding:"required"`
	Answer     string `json:"answer" binding:"required"`
}

func (s *Server) claimReceiver(c *gin.Context) {
	var req claimReceiverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	matched, err := s.store.ClaimReceiver(c.Request.Context(), c.Param("roomID"), req.ReceiverID, req.Answer)
	s.conditionalResult(c, "claim", matched, err)
}

type heartbeatRequest struct {
	PeerID string `json:"peer_id" binding:"required"`
}

func (s *Server) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	matched, err := s.store.Heartbeat(c.Request.Context(), c.Param("roomID"), req.PeerID)
	s.conditionalResult(c, "heartbeat", matched, err)
}

// conditionalResult maps a conditional store update onto the wire:
// matched rows answer 200, lost races answer 409.
func (s *Server) conditionalResult(c *gin.Context, operation string, matched bool, err error) {
	roomID := c.Param("roomID")
	if err != nil {
		s.logger.Error("conditional update failed", "operation", operation, "room", roomID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store update failed"})
		return
	}
	if !matched {
		c.JSON(http.StatusConflict, gin.H{"error": "no matching record"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "updated"})
}

// purgeRoom force-deletes a room on behalf of a service operator. Same
// store call as the public delete; the split endpoint exists so operator
// tooling can be granted without opening the public surface.
func (s *Server) purgeRoom(c *gin.Context) {
	operatorID := c.GetString("operator_id")
	roomID := c.Param("roomID")
	if err := s.store.Delete(c.Request.Context(), roomID); err != nil {
		s.logger.Error("purging room record", "room", roomID, "operator", operatorID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to purge room"})
		return
	}
	s.logger.Info("room purged", "room", roomID, "operator", operatorID)
	c.JSON(http.StatusOK, gin.H{"message": "room purged"})
}
