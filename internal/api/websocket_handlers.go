package api

import (
	"net/http"
	"strings"

	"diagram-collab/internal/middleware"
	"diagram-collab/internal/protocol"
)

// Realtime endpoints

// HandleSessionWebSocket upgrades a client onto its session channel
func (h *Handler) HandleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	h.gateway.HandleSession(w, r)
}

type channelAuthRequest struct {
	ChannelName string `json:"channel_name"`
	SocketID    string `json:"socket_id,omitempty"`
}

// ChannelAuth answers a subscription authorization request. The body is
// either JSON or a form with channel_name, as pusher-style clients send it.
func (h *Handler) ChannelAuth(w http.ResponseWriter, r *http.Request) {
	var req channelAuthRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	} else {
		req.ChannelName = r.FormValue("channel_name")
	}

	auth, err := protocol.AuthorizeChannel(middleware.IdentityFrom(r.Context()), req.ChannelName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}
