// Package dagstore implements the content-addressed operation DAG that
// backs every CRDT in merklefs: node construction and hashing, topological
// application, root merging, and on-disk persistence.
package dagstore

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/multiformats/go-multihash"
)

// Node is one entry in an operation DAG: a causal unit carrying an
// operation's opcode and arguments (Value), the hashes of its direct
// causal predecessors (Children), and the replica/height pair used to
// order nodes deterministically across replicas.
type Node struct {
	Hash     string   `json:"hash_value"`
	Replica  int64    `json:"replica"`
	Height   uint64   `json:"height"`
	Value    []string `json:"value"`
	Children []string `json:"children"`
}

// hashNode computes the content address of a node from its value and
// sorted children, exactly as spec'd: feed every value element, then
// every child hash in lexicographic order, into the hasher.
//
// The digest is wrapped in a multihash so the on-disk hash is
// self-describing (algorithm-tagged) rather than a bare hex digest,
// matching how this pack's Merkle-CRDT reference implementation
// (defradb, via go-cid/go-multihash) addresses its own DAG nodes.
func hashNode(value []string, children []string) (string, error) {
	sorted := append([]string(nil), children...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, v := range value {
		h.Write([]byte(v))
	}
	for _, c := range sorted {
		h.Write([]byte(c))
	}

	mh, err := multihash.Encode(h.Sum(nil), multihash.SHA2_256)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mh), nil
}

func maxHeight(children []string, lookup map[string]Node) uint64 {
	var max uint64
	for _, c := range children {
		if n, ok := lookup[c]; ok && n.Height > max {
			max = n.Height
		}
	}
	return max
}
