package server

import (
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/mercury/internal/plugin"
	"github.com/dshills/mercury/internal/plugin/registry"
)

// InstallRequest is the body of POST /api/v1/installations. An empty
// version installs the registered one.
type InstallRequest struct {
	PluginID string         `json:"pluginId"`
	Version  string         `json:"version"`
	Config   map[string]any `json:"config"`
	Activate bool           `json:"activate"`
}

// UpdateInstallationRequest is the body of PATCH /api/v1/installations/{id}.
type UpdateInstallationRequest struct {
	Version    *string          `json:"version"`
	Status     *registry.Status `json:"status"`
	AutoUpdate *bool            `json:"autoUpdate"`
	Config     map[string]any   `json:"config"`
}

// BackupRequest names a backup file inside the registry backups directory.
// Names ending in .lz4 are compressed.
type BackupRequest struct {
	Name string `json:"name"`
}

// BackupResponse reports where a backup was written.
type BackupResponse struct {
	Path string `json:"path"`
}

func (s *Server) handleListInstallations(w http.ResponseWriter, r *http.Request) {
	list := s.loader.Registry().ListInstallations()
	if list == nil {
		list = []*registry.Installation{}
	}
	sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetInstallation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := s.loader.Registry().GetInstallation(id)
	if !ok {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Installation not found: "+id, nil)
		return
	}
	sendJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[InstallRequest](w, r)
	if !ok {
		return
	}
	if req.PluginID == "" {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "pluginId is required", nil)
		return
	}

	reg := s.loader.Registry()
	inst, err := reg.InstallPlugin(req.PluginID, req.Version, req.Config, actingUserID(r))
	if err != nil {
		sendFailure(w, r, err)
		return
	}

	if req.Activate {
		if err := reg.SetStatus(req.PluginID, registry.StatusActive); err != nil {
			sendFailure(w, r, err)
			return
		}
		if _, err := s.loader.LoadPlugin(r.Context(), req.PluginID); err != nil {
			sendFailure(w, r, err)
			return
		}
		inst, _ = reg.GetInstallation(req.PluginID)
	}
	sendJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleUpdateInstallation(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UpdateInstallationRequest](w, r)
	if !ok {
		return
	}
	if req.Status != nil && !validStatus(*req.Status) {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "unknown status", *req.Status)
		return
	}

	inst, err := s.loader.Registry().UpdateInstallation(chi.URLParam(r, "id"), registry.Update{
		Version:    req.Version,
		Status:     req.Status,
		AutoUpdate: req.AutoUpdate,
		Config:     req.Config,
	})
	if err != nil {
		sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, inst)
}

// handleUninstall unloads a loaded plugin before removing its installation.
func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.loader.UnloadPlugin(r.Context(), id); err != nil && !errors.Is(err, plugin.ErrPluginNotFound) {
		s.log.Warn().Err(err).Str("plugin", id).Msg("unload before uninstall failed")
	}
	if err := s.loader.Registry().UninstallPlugin(id); err != nil {
		sendFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	updates := s.loader.Registry().CheckForUpdates()
	if updates == nil {
		updates = []registry.AvailableUpdate{}
	}
	sendJSON(w, http.StatusOK, updates)
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[BackupRequest](w, r)
	if !ok {
		return
	}
	path := ""
	if req.Name != "" {
		if path, ok = s.backupPath(w, r, req.Name); !ok {
			return
		}
	}

	written, err := s.loader.Registry().CreateBackup(path)
	if err != nil {
		sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, BackupResponse{Path: written})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[BackupRequest](w, r)
	if !ok {
		return
	}
	path, ok := s.backupPath(w, r, req.Name)
	if !ok {
		return
	}
	if err := s.loader.Registry().RestoreFromBackup(path); err != nil {
		sendFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// backupPath confines name to the registry backups directory.
func (s *Server) backupPath(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "name must be a plain file name", name)
		return "", false
	}
	return filepath.Join(s.loader.Registry().Dir(), registry.BackupDir, name), true
}

func validStatus(st registry.Status) bool {
	switch st {
	case registry.StatusActive, registry.StatusInactive, registry.StatusUpdating, registry.StatusError:
		return true
	}
	return false
}
