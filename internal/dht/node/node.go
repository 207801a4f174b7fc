// Package node implements the DHT Node: it owns the UDP socket, dispatches
// inbound KRPC traffic, services outbound queries against the transaction
// table, and runs the sweeper (transaction timeouts, token rotation, peer
// expiry) described in spec.md §4.6.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bitscout/bitscout/internal/dht/kademlia"
	"github.com/bitscout/bitscout/internal/dht/peerstore"
	"github.com/bitscout/bitscout/internal/dht/routingtable"
	"github.com/bitscout/bitscout/internal/dht/token"
	"github.com/bitscout/bitscout/internal/dht/transaction"
	"github.com/bitscout/bitscout/internal/krpc"
	"github.com/bitscout/bitscout/internal/logger"
)

// Config configures one DHT node.
type Config struct {
	Port                int
	KBucketSize         int
	MaxTransactions     int
	TransactionTimeout  time.Duration
	MaxPeersPerInfoHash int
	PeerTTL             time.Duration
	PeerCleanupInterval time.Duration
	ReadBufferSize      int
}

// DefaultConfig returns the defaults named in spec.md.
func DefaultConfig() Config {
	return Config{
		Port:                6881,
		KBucketSize:         routingtable.K,
		MaxTransactions:     transaction.DefaultMaxTransactions,
		TransactionTimeout:  transaction.DefaultTimeout,
		MaxPeersPerInfoHash: peerstore.DefaultMaxPeersPerInfoHash,
		PeerTTL:             peerstore.DefaultPeerTTL,
		PeerCleanupInterval: peerstore.DefaultCleanupInterval,
		ReadBufferSize:      4096,
	}
}

// Callbacks let an outbound query's caller observe the eventual outcome.
// Exactly one fires, exactly once (spec.md invariant 3).
type Callbacks struct {
	OnResponse func(from *net.UDPAddr, m *krpc.Message)
	OnError    func(from *net.UDPAddr, m *krpc.Message)
	OnTimeout  func()
}

// GetPeersResult is what get_peers responses carry back to the caller:
// either peers, or closer nodes to continue the lookup, plus the token
// needed for a later announce_peer.
type GetPeersResult struct {
	Token string
	Peers []peerstore.Endpoint
	Nodes []krpc.NodeInfo
}

// Node owns the UDP socket and every piece of per-node DHT state.
type Node struct {
	self kademlia.ID
	cfg  Config
	log  logger.Logger

	conn *net.UDPConn

	Routing *routingtable.Table
	txs     *transaction.Table
	peers   *peerstore.Store
	tokens  *token.Manager

	// OnNewInfoHash is invoked with the infohash of every inbound
	// get_peers query, repeats included, letting the crawler feed its
	// collector without the node depending on the crawler.
	OnNewInfoHash func(kademlia.ID)
	// OnAnnounce is invoked when a remote peer announces itself for an
	// infohash.
	OnAnnounce func(ih kademlia.ID, ep peerstore.Endpoint)

	mu      sync.Mutex
	running bool
	stopC   chan struct{}
	doneC   chan struct{}

	// addrToID lets a query timeout (addressed by endpoint) find the
	// routing-table entry (addressed by id) whose failed-query counter
	// it should bump.
	addrFailuresMu sync.Mutex
	addrToID       map[string]kademlia.ID
}

var (
	ErrAlreadyRunning = errors.New("node: already running")
	ErrNotRunning     = errors.New("node: not running")
	ErrSendFailed     = errors.New("node: send failed")
)

// New creates a node identified by self; it does not bind a socket until
// Start is called.
func New(self kademlia.ID, cfg Config, log logger.Logger) *Node {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if cfg.KBucketSize <= 0 {
		cfg.KBucketSize = routingtable.K
	}
	n := &Node{self: self, cfg: cfg, log: log, addrToID: make(map[string]kademlia.ID)}
	n.txs = transaction.New(cfg.MaxTransactions, cfg.TransactionTimeout)
	n.peers = peerstore.New(cfg.MaxPeersPerInfoHash, cfg.PeerTTL)
	n.tokens = token.New()
	n.Routing = routingtable.New(self, pingerAdapter{node: n}, log)
	return n
}

// pingerAdapter lets Table.Add ping a bucket's LRU node synchronously
// without the routingtable package depending on this one: Node.Ping is
// the asynchronous, callback-driven outbound query used everywhere else,
// so this adapter just blocks on it with a bounded wait.
type pingerAdapter struct{ node *Node }

func (p pingerAdapter) Ping(rn *routingtable.Node) bool {
	addr := &net.UDPAddr{IP: rn.IP, Port: rn.Port}
	result := make(chan bool, 1)
	err := p.node.Ping(addr, Callbacks{
		OnResponse: func(*net.UDPAddr, *krpc.Message) { result <- true },
		OnError:    func(*net.UDPAddr, *krpc.Message) { result <- false },
		OnTimeout:  func() { result <- false },
	})
	if err != nil {
		return false
	}
	select {
	case ok := <-result:
		return ok
	case <-time.After(transaction.DefaultTimeout + time.Second):
		return false
	}
}

// Self returns the node's own identifier.
func (n *Node) Self() kademlia.ID { return n.self }

// Closest returns the k routing-table entries nearest target, letting an
// iterative lookup seed itself without reaching into Node.Routing.
func (n *Node) Closest(target kademlia.ID, k int) []*routingtable.Node {
	return n.Routing.Closest(target, k)
}

// LocalAddr returns the UDP address the node is bound to. Only valid after
// Start.
func (n *Node) LocalAddr() *net.UDPAddr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	return n.conn.LocalAddr().(*net.UDPAddr)
}

// Start binds the UDP socket and launches the receive and sweeper loops.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: n.cfg.Port})
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("node: listen: %w", err)
	}
	n.conn = conn
	n.stopC = make(chan struct{})
	n.doneC = make(chan struct{})
	n.running = true
	n.mu.Unlock()

	go n.receiveLoop()
	go n.sweepLoop()
	return nil
}

// Stop shuts the node down, closing the socket and purging pending
// transactions (their OnTimeout fires, matching the shutdown contract in
// spec.md §5).
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return ErrNotRunning
	}
	n.running = false
	close(n.stopC)
	conn := n.conn
	n.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	for _, tx := range n.txs.Sweep(time.Now().Add(time.Hour)) {
		if tx.OnTimeout != nil {
			tx.OnTimeout()
		}
	}

	select {
	case <-n.doneC:
	case <-ctx.Done():
		n.log.Errorln("node: shutdown deadline exceeded, abandoning receive loop")
	}
	return nil
}

func (n *Node) receiveLoop() {
	defer close(n.doneC)
	buf := make([]byte, n.cfg.ReadBufferSize)
	for {
		select {
		case <-n.stopC:
			return
		default:
		}
		n.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		nr, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-n.stopC:
				return
			default:
			}
			n.log.Errorln("node: receive error, closing receive cycle:", err)
			return
		}
		msg, err := krpc.Decode(buf[:nr])
		if err != nil {
			n.log.Debugln("node: dropping malformed datagram from", from, ":", err)
			continue
		}
		n.dispatch(from, msg)
	}
}

func (n *Node) sweepLoop() {
	txTicker := time.NewTicker(time.Second)
	defer txTicker.Stop()
	tokenTicker := time.NewTicker(token.RotateInterval)
	defer tokenTicker.Stop()
	peerTicker := time.NewTicker(n.cfg.PeerCleanupInterval)
	defer peerTicker.Stop()
	for {
		select {
		case <-n.stopC:
			return
		case now := <-txTicker.C:
			for _, tx := range n.txs.Sweep(now) {
				if tx.OnTimeout != nil {
					tx.OnTimeout()
				}
			}
		case now := <-tokenTicker.C:
			n.tokens.RotateIfDue(now)
		case now := <-peerTicker.C:
			n.peers.Sweep(now)
		}
	}
}

func (n *Node) dispatch(from *net.UDPAddr, msg *krpc.Message) {
	switch msg.Y {
	case krpc.TypeQuery:
		n.handleQuery(from, msg)
	case krpc.TypeResponse:
		if msg.R != nil {
			n.refreshSender(from, msg.R.ID)
		}
		if tx, ok := n.txs.Take(msg.T); ok && tx.OnResponse != nil {
			tx.OnResponse(msg)
		}
	case krpc.TypeError:
		if tx, ok := n.txs.Take(msg.T); ok && tx.OnError != nil {
			tx.OnError(msg)
		}
	}
}

func (n *Node) refreshSender(from *net.UDPAddr, id []byte) {
	nid, err := kademlia.FromBytes(id)
	if err != nil {
		return
	}
	n.Routing.Add(&routingtable.Node{ID: nid, IP: from.IP, Port: from.Port, LastSeen: time.Now()})
	n.addrFailuresMu.Lock()
	n.addrToID[from.String()] = nid
	n.addrFailuresMu.Unlock()
}

func (n *Node) handleQuery(from *net.UDPAddr, msg *krpc.Message) {
	if msg.A != nil {
		n.refreshSender(from, msg.A.ID)
	}
	switch msg.Q {
	case krpc.MethodPing:
		n.reply(from, krpc.NewResponse(msg.T, &krpc.Return{ID: n.self.Bytes()}))
	case krpc.MethodFindNode:
		n.handleFindNode(from, msg)
	case krpc.MethodGetPeers:
		n.handleGetPeers(from, msg)
	case krpc.MethodAnnouncePeer:
		n.handleAnnouncePeer(from, msg)
	default:
		n.reply(from, krpc.NewError(msg.T, krpc.ErrCodeMethodUnknown, krpc.ErrMethodUnknown))
	}
}

func (n *Node) handleFindNode(from *net.UDPAddr, msg *krpc.Message) {
	target, err := kademlia.FromBytes(msg.A.Target)
	if err != nil {
		n.reply(from, krpc.NewError(msg.T, krpc.ErrCodeProtocol, "bad target"))
		return
	}
	closest := n.closestNodeInfos(target)
	n.reply(from, krpc.NewResponse(msg.T, &krpc.Return{
		ID:    n.self.Bytes(),
		Nodes: krpc.EncodeCompactNodes(closest),
	}))
}

func (n *Node) handleGetPeers(from *net.UDPAddr, msg *krpc.Message) {
	ih, err := kademlia.FromBytes(msg.A.InfoHash)
	if err != nil {
		n.reply(from, krpc.NewError(msg.T, krpc.ErrCodeProtocol, "bad info_hash"))
		return
	}
	if n.OnNewInfoHash != nil {
		n.OnNewInfoHash(ih)
	}
	tok := n.tokens.Token(from)
	ret := &krpc.Return{ID: n.self.Bytes(), Token: tok}
	if peers := n.peers.Get(ih); len(peers) > 0 {
		values := make([]string, len(peers))
		for i, p := range peers {
			values[i] = krpc.EncodeCompactPeer(p.IP, p.Port)
		}
		ret.Values = values
	} else {
		ret.Nodes = krpc.EncodeCompactNodes(n.closestNodeInfos(ih))
	}
	n.reply(from, krpc.NewResponse(msg.T, ret))
}

func (n *Node) handleAnnouncePeer(from *net.UDPAddr, msg *krpc.Message) {
	ih, err := kademlia.FromBytes(msg.A.InfoHash)
	if err != nil {
		n.reply(from, krpc.NewError(msg.T, krpc.ErrCodeProtocol, "bad info_hash"))
		return
	}
	if !n.tokens.Valid(from, msg.A.Token) {
		n.reply(from, krpc.NewError(msg.T, krpc.ErrCodeProtocol, krpc.ErrInvalidToken))
		return
	}
	port := from.Port
	if msg.A.ImpliedPort == 0 && msg.A.Port != 0 {
		port = msg.A.Port
	}
	ep := peerstore.Endpoint{IP: from.IP, Port: port}
	n.peers.Store(ih, ep)
	if n.OnAnnounce != nil {
		n.OnAnnounce(ih, ep)
	}
	n.reply(from, krpc.NewResponse(msg.T, &krpc.Return{ID: n.self.Bytes()}))
}

func (n *Node) closestNodeInfos(target kademlia.ID) []krpc.NodeInfo {
	nodes := n.Routing.Closest(target, n.cfg.KBucketSize)
	out := make([]krpc.NodeInfo, len(nodes))
	for i, nd := range nodes {
		out[i] = krpc.NodeInfo{ID: nd.ID, IP: nd.IP, Port: nd.Port}
	}
	return out
}

func (n *Node) reply(to *net.UDPAddr, msg *krpc.Message) {
	b, err := krpc.Encode(msg)
	if err != nil {
		n.log.Errorln("node: failed to encode reply:", err)
		return
	}
	if _, err := n.conn.WriteToUDP(b, to); err != nil {
		n.log.Errorln("node: failed to send reply to", to, ":", err)
	}
}

// --- outbound queries ---

func (n *Node) send(to *net.UDPAddr, tid string, msg *krpc.Message) error {
	b, err := krpc.Encode(msg)
	if err != nil {
		return err
	}
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return ErrNotRunning
	}
	if _, err := conn.WriteToUDP(b, to); err != nil {
		n.txs.Take(tid)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (n *Node) query(to *net.UDPAddr, method string, a *krpc.Args, cb Callbacks) error {
	tid := n.txs.NewTID()
	tx := &transaction.Transaction{
		TID:    tid,
		SentAt: time.Now(),
		OnResponse: func(m *krpc.Message) {
			if cb.OnResponse != nil {
				cb.OnResponse(to, m)
			}
		},
		OnError: func(m *krpc.Message) {
			if cb.OnError != nil {
				cb.OnError(to, m)
			}
		},
		OnTimeout: func() {
			n.recordTimeoutFor(to)
			if cb.OnTimeout != nil {
				cb.OnTimeout()
			}
		},
	}
	if err := n.txs.Insert(tx); err != nil {
		return err
	}
	if err := n.send(to, tid, krpc.NewQuery(tid, method, a)); err != nil {
		return err
	}
	return nil
}

func (n *Node) recordTimeoutFor(addr *net.UDPAddr) {
	// The routing table indexes by ID, not address; we look up the node
	// occupying addr's bucket slot by scanning closest(self) is overkill,
	// so instead the node tracks failed queries keyed by address via a
	// lightweight side table.
	n.addrFailuresMu.Lock()
	defer n.addrFailuresMu.Unlock()
	if id, ok := n.addrToID[addr.String()]; ok {
		n.Routing.RecordTimeout(id)
	}
}

// Ping sends a ping query to addr.
func (n *Node) Ping(addr *net.UDPAddr, cb Callbacks) error {
	return n.query(addr, krpc.MethodPing, &krpc.Args{ID: n.self.Bytes()}, cb)
}

// FindNode sends a find_node query for target to addr.
func (n *Node) FindNode(addr *net.UDPAddr, target kademlia.ID, cb Callbacks) error {
	return n.query(addr, krpc.MethodFindNode, &krpc.Args{ID: n.self.Bytes(), Target: target.Bytes()}, cb)
}

// GetPeers sends a get_peers query for infoHash to addr.
func (n *Node) GetPeers(addr *net.UDPAddr, infoHash kademlia.ID, cb Callbacks) error {
	return n.query(addr, krpc.MethodGetPeers, &krpc.Args{ID: n.self.Bytes(), InfoHash: infoHash.Bytes()}, cb)
}

// AnnouncePeer sends an announce_peer query for infoHash to addr using a
// token obtained from a prior get_peers response.
func (n *Node) AnnouncePeer(addr *net.UDPAddr, infoHash kademlia.ID, port int, impliedPort bool, tok []byte, cb Callbacks) error {
	ip := 0
	if impliedPort {
		ip = 1
	}
	return n.query(addr, krpc.MethodAnnouncePeer, &krpc.Args{
		ID:          n.self.Bytes(),
		InfoHash:    infoHash.Bytes(),
		Port:        port,
		Token:       tok,
		ImpliedPort: ip,
	}, cb)
}

// --- bootstrap ---

// BootstrapConfig bounds bootstrap timing, per spec.md §4.6.
type BootstrapConfig struct {
	ResolveTimeout time.Duration
	QueryTimeout   time.Duration
	TotalDeadline  time.Duration
}

// DefaultBootstrapConfig returns sane seconds-scale defaults.
func DefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{
		ResolveTimeout: 5 * time.Second,
		QueryTimeout:   5 * time.Second,
		TotalDeadline:  15 * time.Second,
	}
}

// Bootstrap resolves each seed and issues a find_node targeting self,
// adding any responder and its returned nodes to the routing table. It
// considers itself sufficient once at least one seed answers, but always
// returns (rather than blocking forever) once TotalDeadline elapses.
func (n *Node) Bootstrap(seeds []string, cfg BootstrapConfig) (answered int) {
	if len(seeds) == 0 {
		return 0
	}
	deadline := time.Now().Add(cfg.TotalDeadline)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, seed := range seeds {
		wg.Add(1)
		go func(seed string) {
			defer wg.Done()
			addr, err := n.resolveWithTimeout(seed, cfg.ResolveTimeout)
			if err != nil {
				n.log.Debugln("bootstrap: failed to resolve", seed, ":", err)
				return
			}
			done := make(chan struct{})
			err = n.FindNode(addr, n.self, Callbacks{
				OnResponse: func(from *net.UDPAddr, m *krpc.Message) {
					defer close(done)
					if m.R == nil {
						return
					}
					if nodes, derr := krpc.DecodeCompactNodes(m.R.Nodes); derr == nil {
						for _, ni := range nodes {
							n.Routing.Add(&routingtable.Node{ID: ni.ID, IP: ni.IP, Port: ni.Port, LastSeen: time.Now()})
						}
					}
					mu.Lock()
					answered++
					mu.Unlock()
				},
				OnError:   func(*net.UDPAddr, *krpc.Message) { close(done) },
				OnTimeout: func() { close(done) },
			})
			if err != nil {
				return
			}
			select {
			case <-done:
			case <-time.After(cfg.QueryTimeout):
			}
		}(seed)
	}
	waitC := make(chan struct{})
	go func() { wg.Wait(); close(waitC) }()
	select {
	case <-waitC:
	case <-time.After(time.Until(deadline)):
		n.log.Debugln("bootstrap: total deadline exceeded, continuing with", answered, "responders")
	}
	return answered
}

func (n *Node) resolveWithTimeout(hostport string, timeout time.Duration) (*net.UDPAddr, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("node: resolve %s: %w", hostport, err)
	}
	return &net.UDPAddr{IP: ips[0].IP, Port: port}, nil
}
