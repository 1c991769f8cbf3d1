package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/sqlwatch/db"
	"github.com/maxpert/sqlwatch/notify"
	"github.com/maxpert/sqlwatch/observation"
	"github.com/rs/zerolog/log"
)

// AdminHandlers serves the observation and commit feed admin endpoints
type AdminHandlers struct {
	database *db.Database
	registry *observation.Registry
	hub      *notify.Hub
}

// NewAdminHandlers creates a new AdminHandlers instance. hub may be nil.
func NewAdminHandlers(database *db.Database, registry *observation.Registry, hub *notify.Hub) *AdminHandlers {
	return &AdminHandlers{
		database: database,
		registry: registry,
		hub:      hub,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseObservationID parses an observation id path parameter
func parseObservationID(idStr string) (uint64, error) {
	if idStr == "" {
		return 0, fmt.Errorf("observation id is required")
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid observation id: %w", err)
	}

	return id, nil
}
