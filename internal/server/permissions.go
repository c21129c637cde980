package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/mercury/internal/plugin/manifest"
	"github.com/dshills/mercury/internal/plugin/security"
)

// CheckRequest is the body of POST /api/v1/plugins/{id}/permissions/check.
type CheckRequest struct {
	Type     string          `json:"type"`
	Resource string          `json:"resource"`
	Access   manifest.Access `json:"access"`
}

// CheckResponse reports a permission decision.
type CheckResponse struct {
	Allowed bool `json:"allowed"`
}

// GrantRequest is the body of POST /api/v1/plugins/{id}/grants. Request
// records a pending grant instead of approving it immediately.
type GrantRequest struct {
	Permissions []manifest.Permission `json:"permissions"`
	Request     bool                  `json:"request"`
}

// RevokeRequest is the body of POST /api/v1/grants/{grantID}/revoke.
type RevokeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePermissionSummary(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.loader.Security().GetPermissionSummary(chi.URLParam(r, "id")))
}

func (s *Server) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CheckRequest](w, r)
	if !ok {
		return
	}
	if req.Type == "" || req.Resource == "" {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "type and resource are required", nil)
		return
	}
	if req.Access == "" {
		req.Access = manifest.AccessRead
	}
	if !req.Access.Valid() {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "invalid access level", req.Access)
		return
	}

	allowed := s.loader.CheckPermission(chi.URLParam(r, "id"), UserFrom(r.Context()), req.Type, req.Resource, req.Access)
	sendJSON(w, http.StatusOK, CheckResponse{Allowed: allowed})
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	grants := s.loader.Security().GetGrants(chi.URLParam(r, "id"))
	if grants == nil {
		grants = []*security.Grant{}
	}
	sendJSON(w, http.StatusOK, grants)
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[GrantRequest](w, r)
	if !ok {
		return
	}
	if len(req.Permissions) == 0 {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "permissions are required", nil)
		return
	}

	id := chi.URLParam(r, "id")
	user := actingUserID(r)
	var (
		g   *security.Grant
		err error
	)
	if req.Request {
		g, err = s.loader.Security().RequestPermissionGrant(id, req.Permissions, user)
	} else {
		g, err = s.loader.Security().CreatePermissionGrant(id, req.Permissions, user)
	}
	if err != nil {
		sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "grantID")
	g, ok := s.loader.Security().GetGrant(id)
	if !ok {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Grant not found: "+id, nil)
		return
	}
	sendJSON(w, http.StatusOK, g)
}

func (s *Server) handleApproveGrant(w http.ResponseWriter, r *http.Request) {
	s.sendGrant(w, r)(s.loader.Security().ApproveGrant(chi.URLParam(r, "grantID"), actingUserID(r)))
}

func (s *Server) handleDenyGrant(w http.ResponseWriter, r *http.Request) {
	s.sendGrant(w, r)(s.loader.Security().DenyGrant(chi.URLParam(r, "grantID"), actingUserID(r)))
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RevokeRequest](w, r)
	if !ok {
		return
	}
	s.sendGrant(w, r)(s.loader.Security().RevokePermissionGrant(chi.URLParam(r, "grantID"), actingUserID(r), req.Reason))
}

func (s *Server) sendGrant(w http.ResponseWriter, r *http.Request) func(*security.Grant, error) {
	return func(g *security.Grant, err error) {
		if err != nil {
			sendFailure(w, r, err)
			return
		}
		sendJSON(w, http.StatusOK, g)
	}
}

// handleAudit serves the audit log. Query parameters: plugin, type,
// allowed (true/false), since (RFC 3339) and limit.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := security.AuditFilter{
		PluginID: q.Get("plugin"),
		Type:     q.Get("type"),
	}

	if v := q.Get("allowed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			sendError(w, r, http.StatusBadRequest, "INVALID_PARAM", "allowed must be true or false", v)
			return
		}
		f.Allowed = &b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			sendError(w, r, http.StatusBadRequest, "INVALID_PARAM", "since must be an RFC 3339 timestamp", v)
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendError(w, r, http.StatusBadRequest, "INVALID_PARAM", "limit must be a non-negative integer", v)
			return
		}
		f.Limit = n
	}

	entries := s.loader.Security().AuditLog(f)
	if entries == nil {
		entries = []security.AuditEntry{}
	}
	sendJSON(w, http.StatusOK, entries)
}

func actingUserID(r *http.Request) string {
	if u := UserFrom(r.Context()); u != nil {
		return u.ID
	}
	return ""
}
