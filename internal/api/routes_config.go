package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/config"
	"github.com/satlink-project/satlink/internal/events"
)

type setFieldRequest struct {
	Section string      `json:"section" binding:"required"`
	Key     string      `json:"key" binding:"required"`
	Value   interface{} `json:"value"`
}

// handleGetConfig returns the current configuration. MQTT credentials are
// redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	mqttCfg := s.cfg.GetMQTT()
	if mqttCfg.Password != "" {
		mqttCfg.Password = "********"
	}

	c.JSON(http.StatusOK, gin.H{
		"network":  s.cfg.GetNetwork(),
		"pipeline": s.cfg.GetPipeline(),
		"api":      s.cfg.GetAPI(),
		"mqtt":     mqttCfg,
		"database": s.cfg.GetDatabase(),
		"timers":   s.cfg.GetTimers(),
		"logging":  s.cfg.GetLogging(),
	})
}

// handleSetField updates one key, validates the result and persists it.
// Most network settings apply when the listener is next started.
func (s *Server) handleSetField(c *gin.Context) {
	var req setFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	candidate := s.cfg.Clone()
	if err := candidate.UpdateField(req.Section, req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := config.Validate(candidate)
	if !result.IsValid() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "configuration is invalid",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.UpdateField(req.Section, req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
			return
		}
	}

	key := req.Section + "." + req.Key
	s.bus.Emit(c.Request.Context(), events.Event{
		Type:    events.EventConfigChanged,
		Source:  "api",
		Payload: events.ConfigChangedPayload{Key: key, Value: req.Value},
	})

	log.Info().Str("component", "api").Str("key", key).Msg("API: configuration updated")

	c.JSON(http.StatusOK, gin.H{
		"status":   "updated",
		"key":      key,
		"warnings": result.Warnings,
	})
}
