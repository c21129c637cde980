package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dshills/mercury/internal/logging"
	"github.com/dshills/mercury/internal/plugin"
	"github.com/dshills/mercury/internal/plugin/hook"
	"github.com/dshills/mercury/internal/plugin/manifest"
	"github.com/dshills/mercury/internal/plugin/registry"
)

const defaultTailLines = 100

// PluginDetail is the body of GET /api/v1/plugins/{id}.
type PluginDetail struct {
	Manifest     *manifest.Manifest     `json:"manifest,omitempty"`
	Path         string                 `json:"path,omitempty"`
	Installation *registry.Installation `json:"installation,omitempty"`
	Instance     *plugin.InstanceInfo   `json:"instance,omitempty"`
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	loaded := s.loader.GetLoadedPlugins()
	infos := make([]plugin.InstanceInfo, 0, len(loaded))
	for _, inst := range loaded {
		infos = append(infos, inst.Info())
	}
	sendJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	q := registry.Query{
		Text:     r.URL.Query().Get("q"),
		Category: r.URL.Query().Get("category"),
	}
	matches := s.loader.Registry().SearchPlugins(q)
	if matches == nil {
		matches = []*registry.ManifestMatch{}
	}
	sendJSON(w, http.StatusOK, matches)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	found, err := s.loader.Scan(r.Context())
	if err != nil {
		sendFailure(w, r, err)
		return
	}
	if found == nil {
		found = []*plugin.PluginInfo{}
	}
	sendJSON(w, http.StatusOK, found)
}

// LoadAllResponse is the body of POST /api/v1/plugins/load-all.
type LoadAllResponse struct {
	Plugins []plugin.InstanceInfo `json:"plugins"`
	Errors  map[string]string     `json:"errors,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func (s *Server) handleLoadAll(w http.ResponseWriter, r *http.Request) {
	var resp LoadAllResponse
	if err := s.loader.LoadAll(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("load all finished with failures")
		resp.Error = err.Error()
	}

	for _, inst := range s.loader.GetLoadedPlugins() {
		resp.Plugins = append(resp.Plugins, inst.Info())
	}
	for id, err := range s.loader.Errors() {
		if resp.Errors == nil {
			resp.Errors = make(map[string]string)
		}
		resp.Errors[id] = err.Error()
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var d PluginDetail

	if mf, ok := s.loader.Registry().Get(id); ok {
		d.Manifest = mf
		d.Path, _ = s.loader.Registry().Path(id)
	}
	if inst, ok := s.loader.Registry().GetInstallation(id); ok {
		d.Installation = inst
	}
	if inst, ok := s.loader.GetPlugin(id); ok {
		info := inst.Info()
		d.Instance = &info
		if d.Manifest == nil {
			d.Manifest = inst.Manifest()
		}
	}

	if d.Manifest == nil {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Plugin not found: "+id, nil)
		return
	}
	sendJSON(w, http.StatusOK, d)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	inst, err := s.loader.LoadPlugin(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, inst.Info())
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.loader.UnloadPlugin(r.Context(), chi.URLParam(r, "id")); err != nil {
		sendFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	inst, err := s.loader.ReloadPlugin(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, inst.Info())
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	report, err := s.loader.Registry().ValidateDependencies(chi.URLParam(r, "id"))
	if err != nil {
		sendFailure(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, report)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.known(id) {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Plugin not found: "+id, nil)
		return
	}

	file := logging.PluginLogFile
	switch r.URL.Query().Get("file") {
	case "", "plugin":
	case "error":
		file = logging.ErrorLogFile
	default:
		sendError(w, r, http.StatusBadRequest, "INVALID_PARAM", "file must be plugin or error", nil)
		return
	}

	n := defaultTailLines
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			sendError(w, r, http.StatusBadRequest, "INVALID_PARAM", "lines must be a positive integer", v)
			return
		}
		n = parsed
	}

	entries, err := s.loader.Logs().Tail(id, file, n)
	if err != nil {
		sendFailure(w, r, err)
		return
	}
	if entries == nil {
		entries = []logging.Entry{}
	}
	sendJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeJSON[any](w, r)
	if !ok {
		return
	}
	results := s.loader.Emit(r.Context(), chi.URLParam(r, "event"), payload)
	if results == nil {
		results = []hook.Result{}
	}
	sendJSON(w, http.StatusOK, results)
}

// known reports whether id names a registered or loaded plugin.
func (s *Server) known(id string) bool {
	if _, ok := s.loader.Registry().Get(id); ok {
		return true
	}
	_, ok := s.loader.GetPlugin(id)
	return ok
}
