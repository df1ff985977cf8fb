package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type healthStatus struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

// healthHandler reports process liveness plus active room and connection
// counts, for external keep-alive pingers.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	rooms, conns := a.reg.Stats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthStatus{
		Status:      "ok",
		Rooms:       rooms,
		Connections: conns,
	}); err != nil {
		a.logger.Error("Failed to write health response", slog.Any("error", err))
	}
}
