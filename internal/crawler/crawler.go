// Package crawler is the top-level orchestration loop: it wires the DHT
// node, iterative lookup, infohash collector, metadata fetcher, and
// metadata store together into the three cooperating activities spec.md
// §4.11 describes (random-lookup driver, fetch driver, status reporter).
package crawler

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitscout/bitscout/internal/collector"
	"github.com/bitscout/bitscout/internal/dht/kademlia"
	"github.com/bitscout/bitscout/internal/dht/lookup"
	"github.com/bitscout/bitscout/internal/dht/node"
	"github.com/bitscout/bitscout/internal/dht/peerstore"
	"github.com/bitscout/bitscout/internal/fetcher"
	"github.com/bitscout/bitscout/internal/logger"
	"github.com/bitscout/bitscout/internal/metadatastore"
	"github.com/bitscout/bitscout/internal/ratelimit"
	"github.com/mitchellh/go-homedir"
	"github.com/rcrowley/go-metrics"
)

// Status is a point-in-time snapshot exported at cfg.StatusInterval
// (spec.md §4.11 status reporter).
type Status struct {
	RoutingTableSize  int
	QueueLength       int
	DiscoveredTotal   int
	FetchedTotal      int
	DiscoveredPerSec  float64
	FetchedPerSec     float64
}

// Crawler wires the DHT node, lookup registry, collector, fetcher, and
// metadata store into the three cooperating driver goroutines spec.md
// §4.11 names.
type Crawler struct {
	cfg Config
	log logger.Logger

	node      *node.Node
	lookups   *lookup.Registry
	inbox     *collector.Collector
	fetcher   *fetcher.Fetcher
	store     *metadatastore.Store
	processed *processedStore
	queue     *fetchQueue

	lookupLimiter *ratelimit.PerMinute
	fetchLimiter  *ratelimit.PerMinute
	fetchSem      chan struct{}

	discoveredRate metrics.EWMA
	fetchedRate    metrics.EWMA
	discoveredMu   sync.Mutex
	discoveredN    int
	fetchedN       int

	mu          sync.Mutex
	inFlight    map[kademlia.ID]struct{}
	lookupTick  int

	stopC chan struct{}
	wg    sync.WaitGroup
}

// New builds a Crawler from cfg without starting it.
func New(cfg Config, log logger.Logger) (*Crawler, error) {
	if log == nil {
		log = logger.NoopLogger{}
	}

	metadataDir, err := homedir.Expand(cfg.MetadataStorageDirectory)
	if err != nil {
		return nil, err
	}
	torrentDir := ""
	if cfg.TorrentFilesDirectory != "" {
		torrentDir, err = homedir.Expand(cfg.TorrentFilesDirectory)
		if err != nil {
			return nil, err
		}
	}
	store, err := metadatastore.NewWithCacheLimits(metadataDir, torrentDir, cfg.MaxStoredInfoHashes,
		cfg.MaxLoadItems, cfg.MaxMemoryUsageMB, cfg.LoadMetadataOnDemand)
	if err != nil {
		return nil, err
	}

	processed, err := newProcessedStore(cfg.ProcessedDatabase)
	if err != nil {
		return nil, err
	}

	inbox := collector.New(cfg.MaxQueueSize)
	if cataloguePath, err := homedir.Expand(cfg.InfoHashCatalogueFile); err == nil {
		if f, err := os.Open(cataloguePath); err == nil {
			if loaded, err := collector.Load(f); err == nil {
				inbox = loaded
			}
			f.Close()
		}
	}

	nodeCfg := node.DefaultConfig()
	nodeCfg.Port = cfg.DHTPort
	nodeCfg.KBucketSize = cfg.KBucketSize
	n := node.New(kademlia.Random(), nodeCfg, log)

	f := fetcher.New(fetcher.Config{
		ConnectionTimeout:         cfg.ConnectionTimeout,
		FetchTimeout:              cfg.FetchTimeout,
		MaxConnectionsPerInfoHash: cfg.MaxConnectionsPerInfoHash,
		MaxConcurrentFetches:      cfg.MaxConcurrentMetadataFetches,
		MaxRetries:                cfg.MaxRetries,
		RetryBaseDelay:            time.Second,
		RetryCapDelay:             30 * time.Second,
		MaxBytesPerSecond:         cfg.MaxBytesPerSecond,
		MaxBytesBurst:             cfg.MaxBytesBurst,
		PeerIDPrefix:              cfg.PeerIDPrefix,
		ClientVersion:             cfg.ClientVersion,
	})

	c := &Crawler{
		cfg:            cfg,
		log:            log,
		node:           n,
		lookups:        lookup.NewRegistry(),
		inbox:          inbox,
		fetcher:        f,
		store:          store,
		processed:      processed,
		queue:          newFetchQueue(),
		lookupLimiter:  ratelimit.NewPerMinute(cfg.MaxLookupsPerMinute),
		fetchLimiter:   ratelimit.NewPerMinute(cfg.MaxMetadataFetchesPerMinute),
		fetchSem:       make(chan struct{}, cfg.MaxConcurrentMetadataFetches),
		discoveredRate: metrics.NewEWMA1(),
		fetchedRate:    metrics.NewEWMA1(),
		inFlight:       make(map[kademlia.ID]struct{}),
	}

	n.OnNewInfoHash = c.handleDiscoveredInfoHash
	n.OnAnnounce = c.handleAnnounce

	return c, nil
}

// Start binds the DHT socket, bootstraps, and launches the driver
// goroutines.
func (c *Crawler) Start() error {
	if err := c.node.Start(); err != nil {
		return err
	}
	c.stopC = make(chan struct{})
	go c.node.Bootstrap(c.cfg.BootstrapNodes, node.DefaultBootstrapConfig())

	c.wg.Add(4)
	go c.randomLookupDriver()
	go c.fetchDriver()
	go c.statusReporter()
	go c.periodicSaver()
	return nil
}

// Stop shuts every driver down and persists final state, bounded by ctx.
func (c *Crawler) Stop(ctx context.Context) error {
	close(c.stopC)
	c.queue.Close()

	doneC := make(chan struct{})
	go func() { c.wg.Wait(); close(doneC) }()
	select {
	case <-doneC:
	case <-ctx.Done():
		c.log.Errorln("crawler: shutdown deadline exceeded, abandoning drivers")
	}

	c.saveCatalogue()
	if err := c.node.Stop(ctx); err != nil {
		c.log.Errorln("crawler: node stop:", err)
	}
	return c.processed.Close()
}

// Status returns a point-in-time snapshot of crawl progress.
func (c *Crawler) Status() Status {
	c.discoveredMu.Lock()
	discovered, fetched := c.discoveredN, c.fetchedN
	c.discoveredMu.Unlock()
	return Status{
		RoutingTableSize: c.node.Routing.NodeCount(),
		QueueLength:      c.queue.Len(),
		DiscoveredTotal:  discovered,
		FetchedTotal:     fetched,
		DiscoveredPerSec: c.discoveredRate.Rate(),
		FetchedPerSec:    c.fetchedRate.Rate(),
	}
}

// --- infohash discovery ---

func (c *Crawler) handleDiscoveredInfoHash(ih kademlia.ID) {
	if !ih.Valid() || c.processed.Has(ih) {
		return
	}
	queued, err := c.inbox.Offer(ih)
	if err != nil || !queued {
		return
	}
	c.discoveredMu.Lock()
	c.discoveredN++
	c.discoveredMu.Unlock()
	c.discoveredRate.Update(1)

	c.startPeerLookup(ih)
}

func (c *Crawler) handleAnnounce(ih kademlia.ID, ep peerstore.Endpoint) {
	if !ih.Valid() || c.processed.Has(ih) {
		return
	}
	c.inbox.Offer(ih) // best-effort: keeps the dedup set authoritative even if the queue is full
	c.enqueueFetch(ih, []*net.TCPAddr{{IP: ep.IP, Port: ep.Port}})
}

func (c *Crawler) startPeerLookup(ih kademlia.ID) {
	c.mu.Lock()
	if _, busy := c.inFlight[ih]; busy {
		c.mu.Unlock()
		return
	}
	c.inFlight[ih] = struct{}{}
	c.mu.Unlock()

	opts := lookup.DefaultOptions()
	opts.Alpha = c.cfg.LookupAlpha
	opts.K = c.cfg.LookupMaxResults
	c.lookups.Start(c.node, lookup.GetPeers, ih, opts, c.log, func(res lookup.Result) {
		c.mu.Lock()
		delete(c.inFlight, ih)
		c.mu.Unlock()
		if len(res.Peers) == 0 {
			return
		}
		addrs := make([]*net.TCPAddr, len(res.Peers))
		for i, p := range res.Peers {
			addrs[i] = &net.TCPAddr{IP: p.IP, Port: p.Port}
		}
		c.enqueueFetch(ih, addrs)
	})
}

func (c *Crawler) enqueueFetch(ih kademlia.ID, endpoints []*net.TCPAddr) {
	if len(endpoints) == 0 {
		return
	}
	c.queue.Push(&fetchRequest{
		infoHash:  ih,
		endpoints: endpoints,
		offeredAt: time.Now(),
	})
}

// --- drivers ---

func (c *Crawler) randomLookupDriver() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.LookupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopC:
			return
		case <-ticker.C:
			if !c.lookupLimiter.Allow() {
				continue
			}
			c.mu.Lock()
			c.lookupTick++
			kind := lookup.FindNode
			if c.lookupTick%2 == 0 {
				kind = lookup.GetPeers
			}
			c.mu.Unlock()

			target := kademlia.Random()
			opts := lookup.DefaultOptions()
			opts.Alpha = c.cfg.LookupAlpha
			opts.K = c.cfg.LookupMaxResults
			c.lookups.Start(c.node, kind, target, opts, c.log, func(res lookup.Result) {
				if kind != lookup.GetPeers || len(res.Peers) == 0 {
					return
				}
				addrs := make([]*net.TCPAddr, len(res.Peers))
				for i, p := range res.Peers {
					addrs[i] = &net.TCPAddr{IP: p.IP, Port: p.Port}
				}
				c.enqueueFetch(target, addrs)
			})
		}
	}
}

func (c *Crawler) fetchDriver() {
	defer c.wg.Done()
	results := make(chan struct{})
	go func() {
		for {
			req, ok := c.queue.Pop()
			if !ok {
				close(results)
				return
			}
			if c.processed.Has(req.infoHash) {
				continue
			}
			if !c.fetchLimiter.Allow() {
				c.queue.Push(req)
				time.Sleep(time.Second)
				continue
			}
			select {
			case c.fetchSem <- struct{}{}:
			case <-c.stopC:
				return
			}
			go c.runFetch(req)
		}
	}()
	select {
	case <-c.stopC:
	case <-results:
	}
}

func (c *Crawler) runFetch(req *fetchRequest) {
	defer func() { <-c.fetchSem }()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	defer cancel()

	res := c.fetcher.Fetch(ctx, [20]byte(req.infoHash), req.endpoints)
	if res.Err != nil {
		c.log.Debugln("crawler: fetch failed for", req.infoHash.String(), ":", res.Err)
		return
	}

	var opts *metadatastore.TorrentFileOptions
	if c.cfg.CreateTorrentFiles {
		opts = &metadatastore.TorrentFileOptions{
			AnnounceURL:  c.cfg.AnnounceURL,
			AnnounceList: c.cfg.AnnounceList,
			CreatedBy:    c.cfg.CreatedBy,
			Comment:      c.cfg.Comment,
		}
	}
	if err := c.store.Add(req.infoHash, res.Info, opts, req.offeredAt.Unix()); err != nil {
		c.log.Errorln("crawler: failed to persist metadata for", req.infoHash.String(), ":", err)
		return
	}
	c.processed.Mark(req.infoHash)

	c.discoveredMu.Lock()
	c.fetchedN++
	c.discoveredMu.Unlock()
	c.fetchedRate.Update(1)
}

func (c *Crawler) statusReporter() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopC:
			return
		case <-ticker.C:
			c.discoveredRate.Tick()
			c.fetchedRate.Tick()
			c.queue.Reprioritize()
			s := c.Status()
			c.log.Infof("crawler: routing=%d queued=%d discovered=%d fetched=%d",
				s.RoutingTableSize, s.QueueLength, s.DiscoveredTotal, s.FetchedTotal)
		}
	}
}

func (c *Crawler) periodicSaver() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopC:
			return
		case <-ticker.C:
			c.saveCatalogue()
		}
	}
}

func (c *Crawler) saveCatalogue() {
	path, err := homedir.Expand(c.cfg.InfoHashCatalogueFile)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		c.log.Errorln("crawler: failed to create catalogue directory:", err)
		return
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		c.log.Errorln("crawler: failed to open catalogue file:", err)
		return
	}
	if err := c.inbox.Save(f); err != nil {
		f.Close()
		c.log.Errorln("crawler: failed to save infohash catalogue:", err)
		return
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		c.log.Errorln("crawler: failed to finalize catalogue file:", err)
	}
}
