package api

import (
	"net/http"

	"diagram-collab/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func SetupRoutes(h *Handler, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()

	// recovery outermost so a panicking handler still gets its span closed
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Tracing(logger))
	r.Use(middleware.CORSMiddleware)
	r.Use(middleware.Identity)

	api := r.PathPrefix("/api").Subrouter()

	// Sessions
	api.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	api.HandleFunc("/sessions/join", h.JoinSession).Methods("GET", "POST")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/collaborators", h.ListCollaborators).Methods("GET")
	api.HandleFunc("/sessions/{id}/events", h.ListEvents).Methods("GET")
	api.HandleFunc("/sessions/{id}/leave", h.LeaveSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/pause", h.PauseSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/resume", h.ResumeSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/end", h.EndSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/invite", h.RegenerateInvite).Methods("POST")
	api.HandleFunc("/sessions/{id}/updates", h.PublishUpdate).Methods("POST")

	// Collaborators
	api.HandleFunc("/collaborators/{id}/heartbeat", h.Heartbeat).Methods("POST")
	api.HandleFunc("/collaborators/{id}/cursor", h.UpdateCursor).Methods("POST")
	api.HandleFunc("/collaborators/{id}/selection", h.UpdateSelection).Methods("POST")
	api.HandleFunc("/collaborators/{id}/edits", h.RecordEdit).Methods("POST")
	api.HandleFunc("/collaborators/{id}/chat", h.RecordChatMessage).Methods("POST")
	api.HandleFunc("/collaborators/{id}/away", h.MarkAway).Methods("POST")
	api.HandleFunc("/collaborators/{id}/promote", h.PromoteCollaborator).Methods("POST")
	api.HandleFunc("/collaborators/{id}/demote", h.DemoteCollaborator).Methods("POST")

	// Diagram provider hook
	api.HandleFunc("/diagrams/{id}/sessions", h.EndDiagramSessions).Methods("DELETE")

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	r.HandleFunc("/broadcasting/auth", h.ChannelAuth).Methods("POST")
	if h.gateway != nil {
		r.HandleFunc("/ws/sessions/{id}", h.HandleSessionWebSocket)
	}
	r.Handle("/metrics", promhttp.Handler())

	return r
}
