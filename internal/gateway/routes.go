package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/strand/internal/config"
	"github.com/soyeahso/strand/internal/lineage"
)

// configRPCPaths lists the config paths config.get and config.set may touch.
// Secrets and provider definitions are not reachable.
var configRPCPaths = []string{
	"model",
	"modelReasoningEffort",
	"modelReasoningSummary",
	"instructions",
	"logging",
	"rollout.fsync",
	"gateway.port",
	"gateway.bind",
	"gateway.customBindHost",
	"gateway.allowedOrigins",
}

func isAllowedConfigPath(key string) bool {
	for _, prefix := range configRPCPaths {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("/", handleNotFound)
}

func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("config.get", s.rpcConfigGet)
	s.Handle("config.set", s.rpcConfigSet)

	if s.lineage != nil {
		s.HandleAsync("conversation.new", s.rpcConversationNew)
		s.HandleAsync("conversation.fork", s.rpcConversationFork)
		s.HandleAsync("conversation.resume", s.rpcConversationResume)
		s.HandleAsync("conversation.submit", s.rpcConversationSubmit)
		s.Handle("conversation.close", s.rpcConversationClose)
		s.Handle("conversation.list", s.rpcConversationList)
	}
	if s.index != nil {
		s.Handle("session.list", s.rpcSessionList)
		s.Handle("session.search", s.rpcSessionSearch)
	}
}

func (s *Server) rpcHealth(rc *RequestContext) {
	h := HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Clients:  s.clients.Count(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if s.lineage != nil {
		h.Conversations = len(s.lineage.List())
	}
	rc.Respond(h)
}

type configKeyParams struct {
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
}

// configPath decodes and checks the key param, answering the request on
// failure.
func (s *Server) configPath(rc *RequestContext, p *configKeyParams) ([]string, bool) {
	if err := rc.Params(p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return nil, false
	}
	if p.Key == "" {
		rc.RespondError("invalid_params", "key is required")
		return nil, false
	}
	if !isAllowedConfigPath(p.Key) {
		rc.RespondError("forbidden", "access denied for config path: "+p.Key)
		return nil, false
	}
	path, err := config.ParseConfigPath(p.Key)
	if err != nil {
		rc.RespondError("invalid_params", err.Error())
		return nil, false
	}
	return path, true
}

func (s *Server) rpcConfigGet(rc *RequestContext) {
	var p configKeyParams
	path, ok := s.configPath(rc, &p)
	if !ok {
		return
	}
	s.mu.RLock()
	val, found := config.GetValueAtPath(s.configRaw, path)
	s.mu.RUnlock()
	if !found {
		rc.RespondError("not_found", "key not found: "+p.Key)
		return
	}
	rc.Respond(map[string]any{"key": p.Key, "value": val})
}

// rpcConfigSet edits the in-memory config; the file is untouched. Keys in
// liveConfigKeys also change the defaults of conversations opened afterwards.
// Other keys are stored for config.get and take effect on restart.
func (s *Server) rpcConfigSet(rc *RequestContext) {
	var p configKeyParams
	path, ok := s.configPath(rc, &p)
	if !ok {
		return
	}
	apply, live := liveConfigKeys[p.Key]
	var str string
	if live {
		if str, ok = p.Value.(string); !ok {
			rc.RespondError("invalid_params", p.Key+" must be a string")
			return
		}
	}
	s.mu.Lock()
	config.SetValueAtPath(s.configRaw, path, p.Value)
	if live {
		apply(&s.convCfg, str)
	}
	s.mu.Unlock()
	rc.Respond(map[string]any{"key": p.Key, "value": p.Value, "applied": live})
}

var liveConfigKeys = map[string]func(*lineage.ConversationConfig, string){
	"model":                 func(c *lineage.ConversationConfig, v string) { c.Model = v },
	"instructions":          func(c *lineage.ConversationConfig, v string) { c.Instructions = v },
	"modelReasoningEffort":  func(c *lineage.ConversationConfig, v string) { c.Effort = v },
	"modelReasoningSummary": func(c *lineage.ConversationConfig, v string) { c.Summary = v },
}
