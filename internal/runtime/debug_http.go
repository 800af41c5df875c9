package runtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// StartDebugHTTP starts a lightweight HTTP server that exposes diagnostic
// endpoints for the running System:
//
//	GET /actors           -> JSON of DebugSystemSnapshot
//	GET /actors/one       -> JSON of DebugActorSnapshot, query: id=<actorID>
//	GET /actors/messages  -> JSON array of DebugMessage, query: id=<actorID>&n=<count>
//	GET /actors/graph     -> JSON of DebugActorGraph, query: limit=<count>
//	GET /actors/metrics   -> JSON of every metric collector
//	GET /metrics          -> the same metrics as plain text
//
// It returns the bound address and a shutdown function compatible with
// http.Server.Shutdown.
func StartDebugHTTP(s *System, addr string) (string, func(ctx context.Context) error, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/actors", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.GetSystemSnapshot())
	})

	mux.HandleFunc("/actors/one", func(w http.ResponseWriter, r *http.Request) {
		id, ok := actorIDParam(w, r)
		if !ok {
			return
		}
		snap, found := s.GetActorSnapshot(id)
		if !found {
			http.Error(w, "no such actor", http.StatusNotFound)
			return
		}
		writeJSON(w, snap)
	})

	mux.HandleFunc("/actors/messages", func(w http.ResponseWriter, r *http.Request) {
		id, ok := actorIDParam(w, r)
		if !ok {
			return
		}
		n := 100
		if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 {
			n = v
		}
		list, err := s.PeekMailbox(id, n)
		switch {
		case errors.Is(err, ErrNoSuchActor):
			http.Error(w, err.Error(), http.StatusNotFound)
		case err != nil:
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			writeJSON(w, list)
		}
	})

	mux.HandleFunc("/actors/graph", func(w http.ResponseWriter, r *http.Request) {
		g := s.BuildActorGraph()
		if lim, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && lim >= 0 {
			if lim < len(g.Nodes) {
				g.Nodes = g.Nodes[:lim]
			}
			if lim < len(g.Edges) {
				g.Edges = g.Edges[:lim]
			}
		}
		writeJSON(w, g)
	})

	collectors := s.MetricCollectors()
	mux.HandleFunc("/actors/metrics", func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]map[string]float64, len(collectors))
		for name, fn := range collectors {
			out[name] = fn()
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeMetrics(w, collectors)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, errors.Wrapf(err, "runtime: debug listen %s", addr)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warnf("debug server: %v", err)
		}
	}()
	return ln.Addr().String(), srv.Shutdown, nil
}

func actorIDParam(w http.ResponseWriter, r *http.Request) (ActorID, bool) {
	idStr := r.URL.Query().Get("id")
	if idStr == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return 0, false
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return ActorID(id), true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
