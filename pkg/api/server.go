package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mantle-labs/aegis/pkg/engine"
	"github.com/mantle-labs/aegis/pkg/policy"
)

// Server exposes the policy engine's operations.
type Server struct {
	engine   *engine.Engine
	registry *policy.Registry
	logger   *slog.Logger
	cfg      Config
	limiter  *GlobalRateLimiter
}

// Config wires the server's collaborators.
type Config struct {
	Engine     *engine.Engine
	Registry   *policy.Registry
	Logger     *slog.Logger
	AuthSecret string
	RateRPS    float64
	RateBurst  int
}

// NewServer creates a Server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   cfg.Engine,
		registry: cfg.Registry,
		logger:   logger.With("component", "api"),
		cfg:      cfg,
	}
}

// Handler builds the routed handler with auth and rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/policies/local/set", s.handleSetLocal)
	mux.HandleFunc("POST /v1/policies/local/remove", s.handleRemoveLocal)
	mux.HandleFunc("POST /v1/policies/global/set", s.handleSetGlobal)
	mux.HandleFunc("POST /v1/policies/global/remove", s.handleRemoveGlobal)
	mux.HandleFunc("GET /v1/policies/resolved", s.handleResolved)
	mux.HandleFunc("GET /v1/policies/admin", s.handleAdminValue)
	mux.HandleFunc("GET /v1/policies/keys", s.handleKeys)

	var h http.Handler = mux
	if s.cfg.RateRPS > 0 {
		s.limiter = NewGlobalRateLimiter(s.cfg.RateRPS, s.cfg.RateBurst)
		h = s.limiter.Middleware(h)
	}
	h = BearerAuth(s.cfg.AuthSecret)(h)

	// Liveness probing stays outside auth and rate limiting.
	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealth)
	root.Handle("/", h)
	return root
}

// adminPayload identifies an enforcing admin on the wire.
type adminPayload struct {
	PackageName string `json:"package_name"`
	UserID      int    `json:"user_id"`
}

func (a adminPayload) toAdmin() policy.EnforcingAdmin {
	return policy.EnforcingAdmin{PackageName: a.PackageName, UserID: a.UserID}
}

type setRequest struct {
	PolicyKey string          `json:"policy_key"`
	Admin     adminPayload    `json:"admin"`
	UserID    int             `json:"user_id"`
	Value     json.RawMessage `json:"value"`
}

type removeRequest struct {
	PolicyKey string       `json:"policy_key"`
	Admin     adminPayload `json:"admin"`
	UserID    int          `json:"user_id"`
}

type valueResponse struct {
	PolicyKey string          `json:"policy_key"`
	UserID    *int            `json:"user_id,omitempty"`
	Set       bool            `json:"set"`
	Value     json.RawMessage `json:"value,omitempty"`
}

func (s *Server) handleSetLocal(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Malformed request body")
		return
	}
	def, value, ok := s.decodeRequest(w, req.PolicyKey, req.Value)
	if !ok {
		return
	}
	s.writeMutationResult(w, s.engine.SetLocal(def, req.Admin.toAdmin(), value, req.UserID))
}

func (s *Server) handleRemoveLocal(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Malformed request body")
		return
	}
	def, ok := s.lookup(w, req.PolicyKey)
	if !ok {
		return
	}
	s.writeMutationResult(w, s.engine.RemoveLocal(def, req.Admin.toAdmin(), req.UserID))
}

func (s *Server) handleSetGlobal(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Malformed request body")
		return
	}
	def, value, ok := s.decodeRequest(w, req.PolicyKey, req.Value)
	if !ok {
		return
	}
	s.writeMutationResult(w, s.engine.SetGlobal(def, req.Admin.toAdmin(), value))
}

func (s *Server) handleRemoveGlobal(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Malformed request body")
		return
	}
	def, ok := s.lookup(w, req.PolicyKey)
	if !ok {
		return
	}
	s.writeMutationResult(w, s.engine.RemoveGlobal(def, req.Admin.toAdmin()))
}

func (s *Server) handleResolved(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("policy_key")
	def, ok := s.lookup(w, key)
	if !ok {
		return
	}
	userID, ok := queryInt(w, r, "user_id")
	if !ok {
		return
	}

	value, set := s.engine.Resolved(def, userID)
	s.writeValue(w, key, &userID, value, set)
}

func (s *Server) handleAdminValue(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("policy_key")
	def, ok := s.lookup(w, key)
	if !ok {
		return
	}
	userID, ok := queryInt(w, r, "user_id")
	if !ok {
		return
	}
	adminUserID, ok := queryInt(w, r, "admin_user_id")
	if !ok {
		return
	}
	admin := policy.EnforcingAdmin{
		PackageName: r.URL.Query().Get("package_name"),
		UserID:      adminUserID,
	}
	if admin.IsZero() {
		WriteBadRequest(w, "Query parameter package_name is required")
		return
	}

	value, set := s.engine.LocalSetByAdmin(def, admin, userID)
	s.writeValue(w, key, &userID, value, set)
}

func (s *Server) handleKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"policy_keys": s.registry.Keys()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Close releases background resources held by the server's middleware.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// --- helpers ---

func (s *Server) lookup(w http.ResponseWriter, key string) (*policy.Definition, bool) {
	if key == "" {
		WriteBadRequest(w, "policy_key is required")
		return nil, false
	}
	def, ok := s.registry.Get(key)
	if !ok {
		WriteNotFound(w, "Unknown policy key "+key)
		return nil, false
	}
	return def, true
}

func (s *Server) decodeRequest(w http.ResponseWriter, key string, raw json.RawMessage) (*policy.Definition, policy.Value, bool) {
	def, ok := s.lookup(w, key)
	if !ok {
		return nil, nil, false
	}
	if len(raw) == 0 {
		WriteBadRequest(w, "value is required")
		return nil, nil, false
	}
	value, err := def.Decode(raw)
	if err != nil {
		WriteBadRequest(w, "Value does not match the policy kind: "+err.Error())
		return nil, nil, false
	}
	return def, value, true
}

// writeMutationResult maps engine errors onto HTTP statuses. A successful
// mutation returns 202: resolution happened, but whether the caller's value
// won is reported through the notification channel, not the HTTP response.
func (s *Server) writeMutationResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, policy.ErrScopeViolation):
		WriteConflict(w, err.Error())
	case errors.Is(err, policy.ErrNilArgument):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) writeValue(w http.ResponseWriter, key string, userID *int, value policy.Value, set bool) {
	resp := valueResponse{PolicyKey: key, UserID: userID, Set: set}
	if set {
		raw, err := value.MarshalJSON()
		if err != nil {
			WriteInternal(w, err)
			return
		}
		resp.Value = raw
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		WriteBadRequest(w, "Query parameter "+name+" is required")
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		WriteBadRequest(w, "Query parameter "+name+" must be an integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
