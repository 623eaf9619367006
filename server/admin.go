package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"realmsync/config"
	"realmsync/protocol"
	"realmsync/world"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleAdminConfig serves the effective configuration.
// GET /admin/config
func HandleAdminConfig(cfg config.Config) http.HandlerFunc {
	type view struct {
		TickIntervalMs   int     `json:"tickIntervalMs"`
		HeartbeatMs      int     `json:"heartbeatMs"`
		MaxDeltaMs       int     `json:"maxDeltaMs"`
		DefaultSpeed     float64 `json:"defaultSpeed"`
		MaxSpeed         float64 `json:"maxSpeed"`
		MapPath          string  `json:"mapPath"`
		AllowAnonymous   bool    `json:"allowAnonymous"`
		DevQueryIdentity bool    `json:"devQueryIdentity"`
		Persistence      bool    `json:"persistence"`
		Journal          bool    `json:"journal"`
		Relay            bool    `json:"relay"`
	}
	cur := view{
		TickIntervalMs:   cfg.Tick.IntervalMs,
		HeartbeatMs:      cfg.Tick.HeartbeatMs,
		MaxDeltaMs:       cfg.Tick.MaxDeltaMs,
		DefaultSpeed:     cfg.Movement.DefaultSpeed,
		MaxSpeed:         cfg.Movement.MaxSpeed,
		MapPath:          cfg.Map.Path,
		AllowAnonymous:   cfg.Auth.AllowAnonymous,
		DevQueryIdentity: cfg.Auth.DevQueryIdentity,
		Persistence:      cfg.Storage.SQLitePath != "",
		Journal:          cfg.Journal.Dir != "",
		Relay:            cfg.Relay.Enabled,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, cur)
	}
}

// HandleTeleport moves a player, bypassing collision.
// POST /admin/teleport {"userId":1,"x":0,"y":0}
func HandleTeleport(room *Room, log *zap.SugaredLogger) http.HandlerFunc {
	type body struct {
		UserID *int64   `json:"userId"`
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var b body
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.UserID == nil || b.X == nil || b.Y == nil {
			writeJSON(w, http.StatusBadRequest, protocol.ErrorPayload{Code: protocol.CodeInvalidPayload, Message: "userId, x and y are required"})
			return
		}

		view, err := room.Teleport(*b.UserID, world.Vec{X: *b.X, Y: *b.Y})
		if err != nil {
			if ce, ok := protocol.AsClientError(err); ok {
				status := http.StatusBadRequest
				if ce.Code == protocol.CodePlayerNotFound {
					status = http.StatusNotFound
				}
				writeJSON(w, status, protocol.ErrorPayload{Code: ce.Code, Message: ce.Message})
				return
			}
			log.Errorw("teleport", "userId", *b.UserID, "error", err)
			writeJSON(w, http.StatusInternalServerError, protocol.ErrorPayload{Code: protocol.CodeInternal, Message: "internal server error"})
			return
		}
		log.Infow("teleported", "userId", *b.UserID, "x", *b.X, "y", *b.Y)
		writeJSON(w, http.StatusOK, map[string]any{"player": view})
	}
}

// HandleMetrics reports the room's counters.
// GET /metrics
func HandleMetrics(room *Room) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"tick":    room.Tick(),
			"players": len(room.Snapshot()),
			"metrics": room.Metrics().Snapshot(),
		})
	}
}

// HandleHealth answers liveness probes.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// NewMux wires every HTTP route. webDir, when set, is served at /.
func NewMux(room *Room, ws http.Handler, cfg config.Config, webDir string, log *zap.SugaredLogger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	if webDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(webDir)))
	}
	mux.HandleFunc("/admin/config", HandleAdminConfig(cfg))
	mux.HandleFunc("/admin/teleport", HandleTeleport(room, log))
	mux.HandleFunc("/metrics", HandleMetrics(room))
	mux.HandleFunc("/healthz", HandleHealth)
	return mux
}
