package syncsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/merklefs/merklefs/internal/dagstore"
)

// cutRooter is implemented by CRDTHandle specializations that stage
// writes in memory before materializing them into a DAG node — LWW
// registers, not the K-Tree, which materializes every move
// immediately.
type cutRooter interface {
	CutRoot() error
}

// Pusher drives the pull-then-push sync protocol (spec.md §4.5)
// against a single peer: healthcheck, changelist construction,
// doubling-depth frontier exchange, and the final bulk_add/bulk_root
// pair.
type Pusher struct {
	peer     string
	resolver *Resolver
	store    inodeLister
	client   *http.Client
	metrics  *Metrics
	log      *zap.SugaredLogger

	lastTime int64
}

// inodeLister is the subset of *inode.Store a Pusher needs; declared
// here so pusher_test.go can substitute a fake.
type inodeLister interface {
	ChangesSince(t int64) ([]uint64, int64)
}

// NewPusher constructs a Pusher that will push to peer ("host:port")
// on demand via Run or PushOnce.
func NewPusher(peer string, resolver *Resolver, store inodeLister, metrics *Metrics, log *zap.SugaredLogger) *Pusher {
	return &Pusher{
		peer:     peer,
		resolver: resolver,
		store:    store,
		metrics:  metrics,
		log:      log,
	}
}

// Run executes PushOnce every interval until ctx is cancelled.
func (p *Pusher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.PushOnce(ctx); err != nil {
				p.log.Warnw("syncsvc: push cycle failed", "peer", p.peer, "err", err)
				p.metrics.PushFailures.Inc()
			}
		}
	}
}

// PushOnce runs a single push cycle: healthcheck, build the
// changelist, cut pending writes, exchange frontiers until every CRDT
// in the changelist has converged, then commit with bulk_add and
// bulk_root.
func (p *Pusher) PushOnce(ctx context.Context) error {
	start := time.Now()
	defer func() { p.metrics.PushDuration.Observe(time.Since(start).Seconds()) }()

	// One client per push cycle, not a shared long-lived one: the
	// original implementation opens a fresh HTTP client per call and
	// tolerates a fully stateless peer connection.
	p.client = &http.Client{Timeout: 30 * time.Second}

	if err := p.healthcheck(ctx); err != nil {
		return errors.Wrap(err, "healthcheck")
	}

	changelist, err := p.buildChangelist()
	if err != nil {
		return errors.Wrap(err, "building changelist")
	}

	for name, handle := range changelist {
		if cr, ok := handle.(cutRooter); ok {
			if err := cr.CutRoot(); err != nil {
				p.log.Warnw("syncsvc: cut_root failed", "name", name, "err", err)
			}
		}
	}

	accumulated, err := p.exchangeFrontiers(ctx, changelist)
	if err != nil {
		return errors.Wrap(err, "exchanging frontiers")
	}

	if err := p.post(ctx, "/bulk_add", accumulated, nil); err != nil {
		return errors.Wrap(err, "bulk_add")
	}
	for _, nodes := range accumulated {
		p.metrics.NodesPushed.Add(float64(len(nodes)))
	}

	roots := make(map[string]string, len(changelist))
	for name, handle := range changelist {
		roots[name] = handle.RootHash()
		p.metrics.DAGSize.WithLabelValues(name).Set(float64(len(handle.Nodes())))
	}
	if err := p.post(ctx, "/bulk_root", roots, nil); err != nil {
		return errors.Wrap(err, "bulk_root")
	}

	return nil
}

func (p *Pusher) buildChangelist() (map[string]CRDTHandle, error) {
	root, err := p.resolver.Resolve(rootName)
	if err != nil {
		return nil, err
	}
	changelist := map[string]CRDTHandle{rootName: root}

	changed, now := p.store.ChangesSince(p.lastTime)
	for _, id := range changed {
		name := strconv.FormatUint(id, 10)
		handle, err := p.resolver.Resolve(name)
		if err != nil {
			p.log.Warnw("syncsvc: opening changed inode for push", "inode", id, "err", err)
			continue
		}
		changelist[name] = handle
	}
	p.lastTime = now

	return changelist, nil
}

// exchangeFrontiers runs the doubling-depth bulk_get_nodes_to_add loop
// described in spec.md §4.5. A CRDT terminates not when a round's
// reply is empty but when it contains nothing NEW: the remote does
// not actually gain the reported-missing nodes until the final
// bulk_add call, so it keeps reporting the same hashes missing every
// round until the client stops asking — deduping against everything
// already queued is what makes the loop converge.
func (p *Pusher) exchangeFrontiers(ctx context.Context, changelist map[string]CRDTHandle) (map[string][]dagstore.Node, error) {
	accumulated := map[string][]dagstore.Node{}
	added := make(map[string]map[string]struct{}, len(changelist))
	frontier := make(map[string][]string, len(changelist))
	active := make(map[string]bool, len(changelist))
	for name, handle := range changelist {
		frontier[name] = []string{handle.RootHash()}
		active[name] = true
		added[name] = map[string]struct{}{}
	}

	depth := 1
	for len(active) > 0 {
		reqBody := make(map[string][]dagstore.Node, len(active))
		for name := range active {
			handle := changelist[name]
			var nodes []dagstore.Node
			for _, hash := range frontier[name] {
				if n, ok := handle.GetNode(hash); ok {
					nodes = append(nodes, n)
				}
			}
			reqBody[name] = nodes
		}

		var resp map[string][]string
		if err := p.post(ctx, "/bulk_get_nodes_to_add", reqBody, &resp); err != nil {
			return nil, err
		}

		nextFrontier := make(map[string][]string, len(active))
		for name := range active {
			handle := changelist[name]
			seen := added[name]

			var newFrontier []string
			for _, hash := range resp[name] {
				if _, already := seen[hash]; already {
					continue
				}
				n, ok := handle.GetNode(hash)
				if !ok {
					continue
				}
				seen[hash] = struct{}{}
				accumulated[name] = append(accumulated[name], n)
				newFrontier = append(newFrontier, hash)
				prefetchChildren(handle, n, depth-1, accumulated, name, seen, &newFrontier)
			}

			if len(newFrontier) == 0 {
				delete(active, name)
				continue
			}
			nextFrontier[name] = newFrontier
		}
		frontier = nextFrontier
		depth *= 2
	}

	return accumulated, nil
}

// prefetchChildren walks up to levels generations further back through
// n's children, eagerly including them in accumulated — the doubling
// strategy's bandwidth-for-round-trips trade: a replica that is far
// behind gets caught up in few, increasingly large batches. seen is
// the same per-CRDT dedup set exchangeFrontiers uses, so a node this
// prefetch reaches is never queued twice. Every prefetched hash is also
// appended to nextFrontier: peer.py's push_changelist folds its own
// prefetched children into new_nodes (the next round's frontier) for
// exactly this reason — a long missing chain that runs past the
// prefetch horizon must keep being walked from where prefetch left
// off, round over round, or the tail of the chain is never fetched and
// add_root's replay dead-ends on the first absent child.
func prefetchChildren(handle CRDTHandle, n dagstore.Node, levels int, accumulated map[string][]dagstore.Node, name string, seen map[string]struct{}, nextFrontier *[]string) {
	if levels <= 0 {
		return
	}
	for _, child := range n.Children {
		if _, ok := seen[child]; ok {
			continue
		}
		cn, ok := handle.GetNode(child)
		if !ok {
			continue
		}
		seen[child] = struct{}{}
		accumulated[name] = append(accumulated[name], cn)
		*nextFrontier = append(*nextFrontier, child)
		prefetchChildren(handle, cn, levels-1, accumulated, name, seen, nextFrontier)
	}
}

func (p *Pusher) healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+p.peer+"/healthcheck", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (p *Pusher) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshaling request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+p.peer+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
