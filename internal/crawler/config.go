package crawler

import "time"

// Config holds the crawler's options (spec.md §6) plus the defaults the
// expanded domain stack needs (rate-limiter knobs, LRU sizes, torrent-file
// synthesis options). It has no options for metadata deduplication, for
// saving the routing table when nodes are added, or for background
// discovery of active nodes. Reading it from a file or flags is a caller
// concern.
type Config struct {
	DHTPort        int
	BootstrapNodes []string

	KBucketSize      int
	LookupAlpha      int
	LookupMaxResults int

	MaxConcurrentLookups        int
	MaxConcurrentMetadataFetches int
	MaxConnectionsPerInfoHash    int

	LookupInterval         time.Duration
	MetadataFetchInterval  time.Duration
	MaxLookupsPerMinute    int
	MaxMetadataFetchesPerMinute int

	ConnectionTimeout time.Duration
	FetchTimeout      time.Duration
	MaxRetries        int

	PeerIDPrefix  string
	ClientVersion string

	MetadataStorageDirectory string
	TorrentFilesDirectory    string
	InfoHashCatalogueFile    string
	ProcessedDatabase        string

	MaxStoredInfoHashes  int
	MaxLoadItems         int
	MaxMemoryUsageMB     int
	LoadMetadataOnDemand bool
	MaxQueueSize         int

	SaveInterval   time.Duration
	StatusInterval time.Duration

	MaxBytesPerSecond int
	MaxBytesBurst     int

	CreateTorrentFiles bool
	AnnounceURL        string
	AnnounceList       [][]string
	CreatedBy          string
	Comment            string
}

// DefaultConfig returns every default spec.md names or
// original_source infers (MetadataFetcherConfig, InfoHashCollectorConfig,
// RoutingTableConfig).
func DefaultConfig() Config {
	return Config{
		DHTPort: 6881,
		BootstrapNodes: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		},

		KBucketSize:      8,
		LookupAlpha:      3,
		LookupMaxResults: 8,

		MaxConcurrentLookups:         16,
		MaxConcurrentMetadataFetches: 10,
		MaxConnectionsPerInfoHash:    3,

		LookupInterval:              time.Second,
		MetadataFetchInterval:       100 * time.Millisecond,
		MaxLookupsPerMinute:         600,
		MaxMetadataFetchesPerMinute: 300,

		ConnectionTimeout: 30 * time.Second,
		FetchTimeout:      120 * time.Second,
		MaxRetries:        3,

		PeerIDPrefix:  "-DH0001-",
		ClientVersion: "bitscout/0.1.0",

		MetadataStorageDirectory: "~/.bitscout/metadata",
		TorrentFilesDirectory:    "~/.bitscout/torrents",
		InfoHashCatalogueFile:    "~/.bitscout/infohashes.dat",
		ProcessedDatabase:        "~/.bitscout/processed.db",

		MaxStoredInfoHashes:  1_000_000,
		MaxLoadItems:         10_000,
		MaxMemoryUsageMB:     512,
		LoadMetadataOnDemand: true,
		MaxQueueSize:         10_000,

		SaveInterval:   300 * time.Second,
		StatusInterval: 30 * time.Second,

		MaxBytesPerSecond: 1 << 20,
		MaxBytesBurst:     1 << 20,

		CreateTorrentFiles: false,
	}
}
