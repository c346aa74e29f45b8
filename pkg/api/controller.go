package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"nodelab/pkg/alloc"
	"nodelab/pkg/model"
	"nodelab/pkg/registry"
	"nodelab/pkg/version"
)

// Service is the node lifecycle engine behind the HTTP surface.
type Service interface {
	Create(ctx context.Context, kind model.Kind, meta model.Metadata) (model.NodeView, error)
	Get(ctx context.Context, id string) (model.NodeView, error)
	List(ctx context.Context) ([]model.NodeView, error)
	Run(ctx context.Context, id string) (model.NodeView, error)
	Stop(ctx context.Context, id string) (model.NodeView, error)
	Wipe(ctx context.Context, id string) (model.NodeView, error)
	Delete(ctx context.Context, id string) error
	Diagnose(ctx context.Context, id string) (model.DiagReport, error)
	Taps() map[string]model.TapInfo
	Bridges() []model.BridgeInfo
	Bridge(ctx context.Context, tapA, tapB string) (string, error)
	Audit(limit int) ([]model.AuditEntry, error)
	SlotsInUse() int
}

// Options configures the routes.
type Options struct {
	Hub    *WSHub
	UIDir  string
	Logger *slog.Logger
	// StorePing reports store readiness for /healthz; nil means always ready.
	StorePing func() error
}

const maxBodyBytes = 1 << 20

// RegisterRoutes wires the HTTP handlers on the provided mux.
func RegisterRoutes(mux *http.ServeMux, svc Service, opts Options) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &handlers{svc: svc, log: log.With("component", "api"), storePing: opts.StorePing}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("nodelab controller"))
	})
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, VersionResponse{Build: version.Build, Commit: version.Commit, Go: runtime.Version()})
	})

	mux.HandleFunc("GET /nodes", h.listNodes)
	mux.HandleFunc("POST /nodes", h.createNode)
	mux.HandleFunc("POST /nodes/{kind}", h.createNode)
	mux.HandleFunc("GET /nodes/{id}", h.getNode)
	mux.HandleFunc("DELETE /nodes/{id}", h.deleteNode)
	mux.HandleFunc("POST /nodes/{id}/run", h.nodeAction(svc.Run))
	mux.HandleFunc("POST /nodes/{id}/stop", h.nodeAction(svc.Stop))
	mux.HandleFunc("POST /nodes/{id}/wipe", h.nodeAction(svc.Wipe))
	mux.HandleFunc("GET /nodes/{id}/diagnose", h.diagnose)

	mux.HandleFunc("GET /taps", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.Taps())
	})
	mux.HandleFunc("POST /taps/{a}/bridge/{b}", h.bridge)
	mux.HandleFunc("GET /bridges", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.Bridges())
	})
	mux.HandleFunc("GET /audit", h.audit)

	if opts.Hub != nil {
		mux.HandleFunc("GET /events", opts.Hub.HandleEvents)
	}
	if opts.UIDir != "" {
		mux.Handle("GET /ui/", http.StripPrefix("/ui/", http.FileServer(http.Dir(opts.UIDir))))
	}
}

type handlers struct {
	svc       Service
	log       *slog.Logger
	storePing func() error
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.svc.List(r.Context())
	rep := model.HealthReport{
		Status:     "up",
		Nodes:      len(nodes),
		SlotsInUse: h.svc.SlotsInUse(),
		Store:      "ok",
		Version:    version.String(),
		Timestamp:  time.Now().UTC(),
	}
	rep.SlotsFree = alloc.MaxSlots - rep.SlotsInUse
	for _, n := range nodes {
		if n.Status == model.StatusRunning {
			rep.Running++
		}
	}
	if err == nil && h.storePing != nil {
		err = h.storePing()
	}
	status := http.StatusOK
	if err != nil {
		rep.Status = "degraded"
		rep.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func (h *handlers) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// createNode serves POST /nodes/{kind}; bare POST /nodes creates a standard node.
func (h *handlers) createNode(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_node"
	kindName := r.PathValue("kind")
	if kindName == "" {
		kindName = string(model.KindStandard)
	}
	kind, err := model.ParseKind(kindName)
	if err != nil {
		badRequest(w, h.log, op, err.Error())
		return
	}
	var req CreateNodeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, h.log, op, "invalid payload: "+err.Error())
		return
	}
	node, err := h.svc.Create(actorContext(r), kind, model.Metadata{Name: req.Name})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *handlers) getNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *handlers) deleteNode(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(actorContext(r), r.PathValue("id")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) nodeAction(fn func(context.Context, string) (model.NodeView, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node, err := fn(actorContext(r), r.PathValue("id"))
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, node)
	}
}

func (h *handlers) diagnose(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Diagnose(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handlers) bridge(w http.ResponseWriter, r *http.Request) {
	name, err := h.svc.Bridge(actorContext(r), r.PathValue("a"), r.PathValue("b"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, BridgeResponse{Bridge: name})
}

func (h *handlers) audit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, h.log, "api.audit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := h.svc.Audit(limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// actorContext tags the request context with the caller for the audit log.
func actorContext(r *http.Request) context.Context {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = r.RemoteAddr
	}
	return registry.WithActor(r.Context(), actor)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}
