package www

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"opclink/config"
)

// Broker configuration management. Changes persist to the config file
// immediately; running publishers pick them up on the next restart.

func (h *Handlers) saveConfigLocked(w http.ResponseWriter) bool {
	cfg := h.backend.GetConfig()
	if err := cfg.UnlockAndSave(h.backend.GetConfigPath()); err != nil {
		h.log.Error().Err(err).Msg("failed to save config")
		writeError(w, http.StatusInternalServerError, "failed to save configuration")
		return false
	}
	return true
}

func (h *Handlers) handleListMQTT(w http.ResponseWriter, r *http.Request) {
	cfg := h.backend.GetConfig()
	cfg.Lock()
	out := append([]config.MQTTConfig{}, cfg.MQTT...)
	cfg.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) handleAddMQTT(w http.ResponseWriter, r *http.Request) {
	var req config.MQTTConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	cfg := h.backend.GetConfig()
	cfg.Lock()
	if cfg.FindMQTT(req.Name) != nil {
		cfg.Unlock()
		writeError(w, http.StatusConflict, "mqtt broker already exists: "+req.Name)
		return
	}
	cfg.AddMQTT(req)
	if !h.saveConfigLocked(w) {
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handlers) handleUpdateMQTT(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req config.MQTTConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = name

	cfg := h.backend.GetConfig()
	cfg.Lock()
	if !cfg.UpdateMQTT(name, req) {
		cfg.Unlock()
		writeError(w, http.StatusNotFound, "mqtt broker not found: "+name)
		return
	}
	if !h.saveConfigLocked(w) {
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) handleDeleteMQTT(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	cfg := h.backend.GetConfig()
	cfg.Lock()
	if !cfg.RemoveMQTT(name) {
		cfg.Unlock()
		writeError(w, http.StatusNotFound, "mqtt broker not found: "+name)
		return
	}
	if !h.saveConfigLocked(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleListValkey(w http.ResponseWriter, r *http.Request) {
	cfg := h.backend.GetConfig()
	cfg.Lock()
	out := append([]config.ValkeyConfig{}, cfg.Valkey...)
	cfg.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) handleAddValkey(w http.ResponseWriter, r *http.Request) {
	var req config.ValkeyConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	cfg := h.backend.GetConfig()
	cfg.Lock()
	if cfg.FindValkey(req.Name) != nil {
		cfg.Unlock()
		writeError(w, http.StatusConflict, "valkey server already exists: "+req.Name)
		return
	}
	cfg.AddValkey(req)
	if !h.saveConfigLocked(w) {
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handlers) handleUpdateValkey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req config.ValkeyConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = name

	cfg := h.backend.GetConfig()
	cfg.Lock()
	if !cfg.UpdateValkey(name, req) {
		cfg.Unlock()
		writeError(w, http.StatusNotFound, "valkey server not found: "+name)
		return
	}
	if !h.saveConfigLocked(w) {
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) handleDeleteValkey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	cfg := h.backend.GetConfig()
	cfg.Lock()
	if !cfg.RemoveValkey(name) {
		cfg.Unlock()
		writeError(w, http.StatusNotFound, "valkey server not found: "+name)
		return
	}
	if !h.saveConfigLocked(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleListKafka(w http.ResponseWriter, r *http.Request) {
	cfg := h.backend.GetConfig()
	cfg.Lock()
	out := append([]config.KafkaConfig{}, cfg.Kafka...)
	cfg.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) handleAddKafka(w http.ResponseWriter, r *http.Request) {
	var req config.KafkaConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Brokers) == 0 {
		writeError(w, http.StatusBadRequest, "brokers are required")
		return
	}

	cfg := h.backend.GetConfig()
	cfg.Lock()
	if cfg.FindKafka(req.Name) != nil {
		cfg.Unlock()
		writeError(w, http.StatusConflict, "kafka cluster already exists: "+req.Name)
		return
	}
	cfg.AddKafka(req)
	if !h.saveConfigLocked(w) {
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handlers) handleUpdateKafka(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req config.KafkaConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = name

	cfg := h.backend.GetConfig()
	cfg.Lock()
	if !cfg.UpdateKafka(name, req) {
		cfg.Unlock()
		writeError(w, http.StatusNotFound, "kafka cluster not found: "+name)
		return
	}
	if !h.saveConfigLocked(w) {
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) handleDeleteKafka(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	cfg := h.backend.GetConfig()
	cfg.Lock()
	if !cfg.RemoveKafka(name) {
		cfg.Unlock()
		writeError(w, http.StatusNotFound, "kafka cluster not found: "+name)
		return
	}
	if !h.saveConfigLocked(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
