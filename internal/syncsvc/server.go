package syncsvc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/merklefs/merklefs/internal/dagstore"
	"github.com/merklefs/merklefs/internal/inode"
	"github.com/merklefs/merklefs/internal/ktree"
)

// Server is the sync engine's HTTP side: the three endpoints a peer's
// Pusher drives, plus a healthcheck (spec.md §6).
type Server struct {
	router   chi.Router
	resolver *Resolver
	store    *inode.Store
	replica  int64
	metrics  *Metrics
	log      *zap.SugaredLogger
}

// NewServer builds a Server routed with chi.
func NewServer(resolver *Resolver, store *inode.Store, replica int64, metrics *Metrics, log *zap.SugaredLogger) *Server {
	s := &Server{resolver: resolver, store: store, replica: replica, metrics: metrics, log: log}

	r := chi.NewRouter()
	r.Get("/healthcheck", s.handleHealthcheck)
	r.Post("/bulk_get_nodes_to_add", s.handleBulkGetNodesToAdd)
	r.Post("/bulk_add", s.handleBulkAdd)
	r.Post("/bulk_root", s.handleBulkRoot)
	s.router = r

	return s
}

// ServeHTTP lets Server plug directly into http.Server / http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(strconv.FormatInt(s.replica, 10)))
}

// handleBulkGetNodesToAdd reports, per named CRDT, which hashes
// referenced by the submitted nodes this replica does not yet have.
// For each submitted node: if the node itself is missing, report it
// and stop descending (its children arrive once the node itself does,
// next round); if present, recurse into its children, since this is
// where the exchange's known-causal-history boundary actually is.
// Children are additionally checked directly regardless of recursion,
// matching the reference implementation's own doubled check.
func (s *Server) handleBulkGetNodesToAdd(w http.ResponseWriter, r *http.Request) {
	var req map[string][]dagstore.Node
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := make(map[string][]string, len(req))
	for name, nodes := range req {
		handle, err := s.resolver.Resolve(name)
		if err != nil {
			s.log.Warnw("syncsvc: bulk_get_nodes_to_add for unknown CRDT", "name", name, "err", err)
			continue
		}
		resp[name] = missingHashes(handle, nodes)
	}

	writeJSON(w, resp)
}

func missingHashes(handle CRDTHandle, nodes []dagstore.Node) []string {
	missing := map[string]struct{}{}
	visited := map[string]struct{}{}

	var recurse func(hash string)
	recurse = func(hash string) {
		n, ok := handle.GetNode(hash)
		if !ok {
			missing[hash] = struct{}{}
			return
		}
		for _, child := range n.Children {
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			recurse(child)
		}
	}

	for _, node := range nodes {
		recurse(node.Hash)
		for _, child := range node.Children {
			if _, ok := handle.GetNode(child); !ok {
				missing[child] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(missing))
	for hash := range missing {
		out = append(out, hash)
	}
	return out
}

// handleBulkAdd inserts every submitted node into its named CRDT's
// DAG. Idempotent by content hash; never advances a root.
func (s *Server) handleBulkAdd(w http.ResponseWriter, r *http.Request) {
	var req map[string][]dagstore.Node
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	count := 0
	for name, nodes := range req {
		handle, err := s.resolver.Resolve(name)
		if err != nil {
			s.log.Warnw("syncsvc: bulk_add for unknown CRDT", "name", name, "err", err)
			continue
		}
		for _, n := range nodes {
			handle.PutNode(n)
			count++
		}
		s.metrics.DAGSize.WithLabelValues(name).Set(float64(len(handle.Nodes())))
	}
	s.metrics.NodesReceived.Add(float64(count))

	w.WriteHeader(http.StatusNoContent)
}

// handleBulkRoot merges each submitted root into its named CRDT and
// persists it. A root naming an inode that had not yet applied the
// incoming hash marks that inode remotely changed, so this replica's
// own push loop propagates it onward.
func (s *Server) handleBulkRoot(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for name, root := range req {
		handle, err := s.resolver.Resolve(name)
		if err != nil {
			s.log.Warnw("syncsvc: bulk_root for unknown CRDT", "name", name, "err", err)
			continue
		}

		if name != rootName && !handle.HasApplied(root) {
			if id, perr := strconv.ParseUint(name, 10, 64); perr == nil {
				s.store.MarkRemoteChange(ktree.ID(id))
			}
		}

		if err := handle.AddRoot(root); err != nil {
			s.log.Warnw("syncsvc: add_root failed", "name", name, "root", root, "err", err)
			continue
		}
		if err := handle.Fsync(); err != nil {
			s.log.Warnw("syncsvc: fsync after add_root failed", "name", name, "err", err)
			continue
		}
		s.metrics.RootsMerged.Inc()
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
