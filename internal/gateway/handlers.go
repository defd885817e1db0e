package gateway

import (
	"context"
	"encoding/json"
	"net/http"
)

// HealthResponse is the body of GET /health and the health RPC. The public
// endpoint only fills Status.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	Clients       int    `json:"clients,omitempty"`
	Conversations int    `json:"conversations,omitempty"`
	UptimeMs      int64  `json:"uptimeMs,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found", "path": r.URL.Path})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequestHandler serves one RPC request.
type RequestHandler func(rc *RequestContext)

// RequestContext is what a handler gets for one request frame.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server
}

// Context is done when the client disconnects.
func (rc *RequestContext) Context() context.Context { return rc.Client.Context() }

func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

func (rc *RequestContext) RespondError(code, message string) {
	if err := rc.Client.RespondError(rc.Frame.ID, ErrorShape{Code: code, Message: message}); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send error")
	}
}

// Event sends an event tagged with this request's id.
func (rc *RequestContext) Event(event string, payload map[string]any) {
	payload["requestId"] = rc.Frame.ID
	if err := rc.Client.SendEvent(event, payload, rc.Server.nextSeq()); err != nil {
		rc.Server.log.Debug().Err(err).Str("event", event).Msg("failed to send event")
	}
}

// Params decodes the request params into target. Absent params leave target
// untouched.
func (rc *RequestContext) Params(target any) error {
	if len(rc.Frame.Params) == 0 {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}
