package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// handleStart binds the device listener.
func (s *Server) handleStart(c *gin.Context) {
	if s.ctrl.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": "listener already running"})
		return
	}

	if err := s.ctrl.Start(); err != nil {
		log.Error().Str("component", "api").Err(err).Msg("API: failed to start listener")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("component", "api").Str("client_ip", c.ClientIP()).Msg("API: listener started")

	resp := gin.H{"status": "started"}
	if addr := s.ctrl.Addr(); addr != nil {
		resp["addr"] = addr.String()
	}
	c.JSON(http.StatusOK, resp)
}

// handleStop closes the device listener, aborting any active connection.
func (s *Server) handleStop(c *gin.Context) {
	if !s.ctrl.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": "listener not running"})
		return
	}

	s.ctrl.Stop()

	log.Info().Str("component", "api").Str("client_ip", c.ClientIP()).Msg("API: listener stopped")
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}
