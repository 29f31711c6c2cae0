package www

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"opclink/opcda"
)

// apiError is the JSON error body. Code and Hint are filled when the
// underlying failure carries a DA/DCOM status code.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// writeOPCError renders an error, surfacing the status code and hint when
// the error chain carries one.
func writeOPCError(w http.ResponseWriter, status int, err error) {
	body := apiError{Error: err.Error()}
	if code, ok := opcda.StatusCode(err); ok {
		body.Code = fmt.Sprintf("0x%08X", code)
		if hint, found := opcda.HintFor(code); found {
			body.Hint = hint
		}
	}
	writeJSON(w, status, body)
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Username           string `json:"username"`
	Role               string `json:"role"`
	MustChangePassword bool   `json:"must_change_password,omitempty"`
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := h.backend.GetConfig().FindWebUser(req.Username)
	if user == nil || !checkPassword(req.Password, user.PasswordHash) {
		h.log.Warn().Str("username", req.Username).Str("remote", r.RemoteAddr).Msg("failed login")
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	if err := h.sessions.setUser(w, r, user.Username, user.Role); err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}

	h.log.Info().Str("username", user.Username).Msg("login")
	writeJSON(w, http.StatusOK, loginResponse{
		Username:           user.Username,
		Role:               user.Role,
		MustChangePassword: user.MustChangePassword,
	})
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clear(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *Handlers) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	username, role, _ := h.sessions.getUser(r)

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	cfg := h.backend.GetConfig()
	user := cfg.FindWebUser(username)
	if user == nil || !checkPassword(req.CurrentPassword, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}

	hash, err := hashPassword(req.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	user.PasswordHash = hash
	user.MustChangePassword = false
	if err := cfg.Save(h.backend.GetConfigPath()); err != nil {
		h.log.Error().Err(err).Msg("failed to save config after password change")
		writeError(w, http.StatusInternalServerError, "failed to save configuration")
		return
	}

	// Refresh the session so the cookie outlives the hash change
	h.sessions.setUser(w, r, username, role)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type serverInfo struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	ProgID   string `json:"prog_id"`
	Enabled  bool   `json:"enabled"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	LastPoll string `json:"last_poll,omitempty"`
	TagCount int    `json:"tag_count"`
}

func (h *Handlers) handleServers(w http.ResponseWriter, r *http.Request) {
	pl := h.backend.GetPoller()

	result := []serverInfo{}
	for _, srv := range pl.ListServers() {
		info := serverInfo{
			Name:     srv.Config.Name,
			Host:     srv.Config.Host,
			ProgID:   srv.Config.ProgID,
			Enabled:  srv.Config.Enabled,
			Status:   srv.GetStatus().String(),
			TagCount: len(srv.Config.Tags),
		}
		if err := srv.GetError(); err != nil {
			info.Error = err.Error()
		}
		if lp := srv.GetLastPoll(); !lp.IsZero() {
			info.LastPoll = lp.UTC().Format(time.RFC3339)
		}
		result = append(result, info)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleServerValues(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	srv := h.backend.GetPoller().GetServer(name)
	if srv == nil {
		writeError(w, http.StatusNotFound, "server not found: "+name)
		return
	}

	values := srv.GetValues()
	result := make([]opcda.TagValue, 0, len(values))
	for _, v := range values {
		result = append(result, v)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleDiscover(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")

	servers, err := h.backend.GetProvider().ListServers(r.Context(), host)
	if err != nil {
		writeOPCError(w, http.StatusBadGateway, err)
		return
	}
	if servers == nil {
		servers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"servers": servers})
}

type browseRequest struct {
	Server  string `json:"server"`
	MaxTags int    `json:"max_tags,omitempty"`
}

type browseResponse struct {
	Server  string   `json:"server"`
	Tags    []string `json:"tags"`
	Count   int      `json:"count"`
	Partial bool     `json:"partial,omitempty"`
}

func (h *Handlers) handleBrowse(w http.ResponseWriter, r *http.Request) {
	var req browseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Server == "" {
		writeError(w, http.StatusBadRequest, "server is required")
		return
	}

	progID := h.resolveProgID(req.Server)
	sink := opcda.NewBrowseSink()
	tags, err := h.backend.GetProvider().BrowseTags(r.Context(), progID, req.MaxTags, sink)
	if err != nil && !errors.Is(err, opcda.ErrBrowseTimeout) {
		writeOPCError(w, http.StatusBadGateway, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}

	// A timed-out browse still returns the partial harvest
	writeJSON(w, http.StatusOK, browseResponse{
		Server:  req.Server,
		Tags:    tags,
		Count:   len(tags),
		Partial: errors.Is(err, opcda.ErrBrowseTimeout),
	})
}

type readRequest struct {
	Server string   `json:"server"`
	Tags   []string `json:"tags"`
}

func (h *Handlers) handleRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Server == "" || len(req.Tags) == 0 {
		writeError(w, http.StatusBadRequest, "server and tags are required")
		return
	}

	progID := h.resolveProgID(req.Server)
	values, err := h.backend.GetProvider().ReadTagValues(r.Context(), progID, req.Tags)
	if err != nil {
		writeOPCError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

type writeTagRequest struct {
	Server string      `json:"server"`
	Tag    string      `json:"tag"`
	Value  interface{} `json:"value"`
}

func (h *Handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req writeTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Server == "" || req.Tag == "" {
		writeError(w, http.StatusBadRequest, "server and tag are required")
		return
	}

	value, err := convertJSONValue(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	progID := h.resolveProgID(req.Server)
	result, err := h.backend.GetProvider().WriteTagValue(r.Context(), progID, req.Tag, value)
	if err != nil {
		writeOPCError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// resolveProgID maps a configured server name to its ProgID. Unknown names
// pass through unchanged so ad-hoc requests can address servers by ProgID
// directly.
func (h *Handlers) resolveProgID(server string) string {
	if srv := h.backend.GetPoller().GetServer(server); srv != nil {
		return srv.Config.ProgID
	}
	return server
}

// convertJSONValue maps a decoded JSON value to a typed tag value. JSON
// numbers arrive as float64; whole numbers in int32 range become int32
// writes so integer tags accept them.
func convertJSONValue(raw interface{}) (opcda.Value, error) {
	switch v := raw.(type) {
	case bool:
		return opcda.BoolValue(v), nil
	case float64:
		if v == math.Trunc(v) && v >= math.MinInt32 && v <= math.MaxInt32 {
			return opcda.Int32Value(int32(v)), nil
		}
		return opcda.Float64Value(v), nil
	case string:
		return opcda.StringValue(v), nil
	default:
		return opcda.Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}
