package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/coordinator"
	"zstack-go-home/internal/store"
)

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := s.coord.NetworkInfo()
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPIListBackups(w http.ResponseWriter, r *http.Request) {
	records, err := s.coord.Store().ListBackups()
	if err != nil {
		s.logger.Error("list backups", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAPICreateBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.coord.CreateBackup(r.Context())
	if errors.Is(err, backup.ErrNotCommissioned) {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "adapter not commissioned"})
		return
	}
	if err != nil {
		s.logger.Error("create backup", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusCreated, backup.ToUnified(b))
}

func (s *Server) handleAPILatestBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.coord.Store().LoadBackup()
	if errors.Is(err, backup.ErrNoBackup) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no backup stored"})
		return
	}
	if err != nil {
		s.logger.Error("load latest backup", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeBackup(w, b)
}

func (s *Server) handleAPIGetBackup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.coord.Store().GetBackup(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
		return
	}
	if err != nil {
		s.logger.Error("get backup", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeBackup(w, b)
}

func (s *Server) handleAPIDeleteBackup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.coord.Store().DeleteBackup(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
		return
	}
	if err != nil {
		s.logger.Error("delete backup", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Store().ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee, err := coordinator.ParseIEEE(r.PathValue("ieee"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ieee address"})
		return
	}
	err = s.coord.RemoveDevice(ieee)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	if err != nil {
		s.logger.Error("delete device", "err", err, "ieee", r.PathValue("ieee"))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeBackup sends b as a downloadable unified document.
func (s *Server) writeBackup(w http.ResponseWriter, b *backup.Backup) {
	data, err := backup.MarshalDocument(b)
	if err != nil {
		s.logger.Error("encode backup", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	name := "coordinator_backup.json"
	if !b.CreatedAt.IsZero() {
		name = fmt.Sprintf("coordinator_backup_%s.json", b.CreatedAt.UTC().Format("20060102T150405Z"))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write backup response", "err", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
