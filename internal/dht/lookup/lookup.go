// Package lookup implements the Kademlia-style alpha-parallel iterative
// lookup (find_node and get_peers) described in spec.md §4.7, along with
// the handle-based registry from spec.md §9 that breaks the
// lookup<->callback reference cycle the original implementation has.
package lookup

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
	"github.com/bitscout/bitscout/internal/dht/node"
	"github.com/bitscout/bitscout/internal/dht/peerstore"
	"github.com/bitscout/bitscout/internal/dht/routingtable"
	"github.com/bitscout/bitscout/internal/krpc"
	"github.com/bitscout/bitscout/internal/logger"
)

// Defaults per spec.md §4.7.
const (
	DefaultAlpha        = 3
	DefaultK            = 8
	DefaultMaxIterations = 20
	candidateCap        = 3 // multiplied by K
)

// Kind selects between the two query types a lookup can drive.
type Kind int

const (
	FindNode Kind = iota
	GetPeers
)

// Querier is the subset of the DHT node's outbound API a lookup needs.
// package node satisfies this directly; node.Node wires lookups, not the
// reverse, so importing it here introduces no cycle.
type Querier interface {
	FindNode(addr *net.UDPAddr, target kademlia.ID, cb node.Callbacks) error
	GetPeers(addr *net.UDPAddr, infoHash kademlia.ID, cb node.Callbacks) error
	Closest(target kademlia.ID, k int) []*routingtable.Node
}

// QueryCallbacks is an alias for the callback shape package node expects.
type QueryCallbacks = node.Callbacks

// Handle is an opaque reference to a running lookup, used instead of a raw
// pointer so callbacks cannot resurrect a completed lookup's state
// (spec.md §9, "cyclic references in lookup callbacks").
type Handle uint64

// Result is delivered to the lookup's caller on completion.
type Result struct {
	Nodes []*routingtable.Node // top-K responded nodes
	Peers []peerstore.Endpoint // only for GetPeers
	Token []byte               // first non-empty token seen, GetPeers only
}

type candidate struct {
	node      *routingtable.Node
	queried   bool
	responded bool
	token     []byte
	seq       int // insertion order, for tie-breaking
}

type lookupState struct {
	mu         sync.Mutex
	kind       Kind
	target     kademlia.ID
	alpha      int
	k          int
	maxIters   int
	candidates []*candidate
	nextSeq    int
	iterations int
	inFlight   int
	peers      []peerstore.Endpoint
	seenPeer   map[string]struct{}
	token      []byte
	done       bool
	onDone     func(Result)
	querier    Querier
	log        logger.Logger
}

// Registry owns every in-flight lookup, keyed by an opaque Handle.
type Registry struct {
	mu      sync.Mutex
	states  map[Handle]*lookupState
	nextID  uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[Handle]*lookupState)}
}

// Options configures a single lookup.
type Options struct {
	Alpha        int
	K            int
	MaxIterations int
}

// DefaultOptions returns the spec defaults.
func DefaultOptions() Options {
	return Options{Alpha: DefaultAlpha, K: DefaultK, MaxIterations: DefaultMaxIterations}
}

// Start seeds a new lookup from q's local routing table and begins
// querying. onDone fires exactly once, when the lookup reaches a terminal
// state (spec.md §4.7 step 5). If the local table has no candidates the
// lookup fails immediately and onDone fires synchronously with an empty
// Result.
func (r *Registry) Start(q Querier, kind Kind, target kademlia.ID, opts Options, log logger.Logger, onDone func(Result)) Handle {
	if opts.Alpha <= 0 {
		opts.Alpha = DefaultAlpha
	}
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if log == nil {
		log = logger.NoopLogger{}
	}

	st := &lookupState{
		kind:     kind,
		target:   target,
		alpha:    opts.Alpha,
		k:        opts.K,
		maxIters: opts.MaxIterations,
		onDone:   onDone,
		querier:  q,
		log:      log,
		seenPeer: make(map[string]struct{}),
	}

	h := Handle(atomic.AddUint64(&r.nextID, 1))
	r.mu.Lock()
	r.states[h] = st
	r.mu.Unlock()

	seed := q.Closest(target, opts.K)
	st.mu.Lock()
	for _, n := range seed {
		st.addCandidateLocked(n)
	}
	empty := len(st.candidates) == 0
	st.mu.Unlock()

	if empty {
		r.finish(h, st)
		return h
	}

	r.advance(h, st)
	return h
}

// Cancel stops sending new queries for handle. Outstanding responses may
// still arrive and update internal state, but onDone will not fire again.
func (r *Registry) Cancel(h Handle) {
	r.mu.Lock()
	st, ok := r.states[h]
	delete(r.states, h)
	r.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.done = true
	st.mu.Unlock()
}

func (st *lookupState) addCandidateLocked(n *routingtable.Node) {
	for _, c := range st.candidates {
		if c.node.ID == n.ID {
			return
		}
	}
	st.candidates = append(st.candidates, &candidate{node: n, seq: st.nextSeq})
	st.nextSeq++
	st.sortLocked()
	if len(st.candidates) > st.k*candidateCap {
		st.candidates = st.candidates[:st.k*candidateCap]
	}
}

func (st *lookupState) sortLocked() {
	target := st.target
	sort.SliceStable(st.candidates, func(i, j int) bool {
		a, b := st.candidates[i], st.candidates[j]
		if a.node.ID == b.node.ID {
			return a.seq < b.seq
		}
		return kademlia.CloserTo(a.node.ID, b.node.ID, target)
	})
}

// advance selects up to alpha unqueried, not-in-flight candidates and
// issues queries for them, then checks for completion.
func (r *Registry) advance(h Handle, st *lookupState) {
	st.mu.Lock()
	if st.done {
		st.mu.Unlock()
		return
	}
	if st.iterations >= st.maxIters {
		st.mu.Unlock()
		r.finish(h, st)
		return
	}
	var toQuery []*candidate
	for _, c := range st.candidates {
		if len(toQuery) >= st.alpha {
			break
		}
		if !c.queried {
			c.queried = true
			toQuery = append(toQuery, c)
		}
	}
	if len(toQuery) == 0 {
		complete := st.completionCheckLocked()
		st.mu.Unlock()
		if complete {
			r.finish(h, st)
		}
		return
	}
	st.iterations++
	st.inFlight += len(toQuery)
	st.mu.Unlock()

	for _, c := range toQuery {
		r.issue(h, st, c)
	}
}

func (st *lookupState) completionCheckLocked() bool {
	if len(st.candidates) == 0 {
		return true
	}
	if st.kind == GetPeers && len(st.peers) >= st.k {
		return true
	}
	// Completion condition (a): no unqueried candidate is closer than the
	// K closest responded.
	var responded []*candidate
	for _, c := range st.candidates {
		if c.responded {
			responded = append(responded, c)
			if len(responded) >= st.k {
				break
			}
		}
	}
	if len(responded) < st.k {
		for _, c := range st.candidates {
			if !c.queried {
				return false
			}
		}
		// everything has been queried at least once and we still don't
		// have K responses: nothing left to do but stop.
		return st.inFlight == 0
	}
	worstResponded := responded[len(responded)-1]
	for _, c := range st.candidates {
		if c.queried {
			continue
		}
		if kademlia.CloserTo(c.node.ID, worstResponded.node.ID, st.target) {
			return false
		}
	}
	return st.inFlight == 0
}

func (r *Registry) issue(h Handle, st *lookupState, c *candidate) {
	addr := &net.UDPAddr{IP: c.node.IP, Port: c.node.Port}
	onTerm := func(responded bool, nodes []krpc.NodeInfo, token []byte, peers []net.Addr) {
		st.mu.Lock()
		st.inFlight--
		c.responded = responded
		if responded {
			c.token = token
			if len(token) > 0 && len(st.token) == 0 {
				st.token = token
			}
			for _, ni := range nodes {
				st.addCandidateLocked(&routingtable.Node{ID: ni.ID, IP: ni.IP, Port: ni.Port, LastSeen: time.Now()})
			}
			for _, pa := range peers {
				key := pa.String()
				if _, seen := st.seenPeer[key]; !seen {
					st.seenPeer[key] = struct{}{}
					if upd, ok := pa.(*net.UDPAddr); ok {
						st.peers = append(st.peers, peerstore.Endpoint{IP: upd.IP, Port: upd.Port})
					}
				}
			}
		}
		st.mu.Unlock()
		r.advance(h, st)
	}

	cb := QueryCallbacks{
		OnResponse: func(from *net.UDPAddr, m *krpc.Message) {
			if m.R == nil {
				onTerm(false, nil, nil, nil)
				return
			}
			var nodes []krpc.NodeInfo
			if len(m.R.Nodes) > 0 {
				nodes, _ = krpc.DecodeCompactNodes(m.R.Nodes)
			}
			var tok []byte
			if m.R.Token != nil {
				tok = m.R.Token
			}
			var peers []net.Addr
			for _, v := range m.R.Values {
				if ip, port, err := krpc.DecodeCompactPeer(v); err == nil {
					peers = append(peers, &net.UDPAddr{IP: ip, Port: port})
				}
			}
			onTerm(true, nodes, tok, peers)
		},
		OnError:   func(*net.UDPAddr, *krpc.Message) { onTerm(false, nil, nil, nil) },
		OnTimeout: func() { onTerm(false, nil, nil, nil) },
	}

	var err error
	switch st.kind {
	case FindNode:
		err = st.querier.FindNode(addr, st.target, cb)
	case GetPeers:
		err = st.querier.GetPeers(addr, st.target, cb)
	}
	if err != nil {
		onTerm(false, nil, nil, nil)
	}
}

func (r *Registry) finish(h Handle, st *lookupState) {
	st.mu.Lock()
	if st.done {
		st.mu.Unlock()
		return
	}
	st.done = true
	var top []*routingtable.Node
	for _, c := range st.candidates {
		if c.responded {
			top = append(top, c.node)
			if len(top) >= st.k {
				break
			}
		}
	}
	result := Result{Nodes: top, Peers: st.peers, Token: st.token}
	cb := st.onDone
	st.mu.Unlock()

	r.mu.Lock()
	delete(r.states, h)
	r.mu.Unlock()

	if cb != nil {
		cb(result)
	}
}
