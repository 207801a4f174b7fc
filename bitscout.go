// Package bitscout is the public entry point to the passive Mainline DHT
// crawler: join the DHT, harvest infohashes, fetch their metadata over
// ut_metadata, and persist both to disk.
package bitscout

import (
	"github.com/bitscout/bitscout/internal/crawler"
	"github.com/bitscout/bitscout/internal/logger"
)

// Config is the crawler's configuration; see crawler.Config for every
// field and its default.
type Config = crawler.Config

// DefaultConfig returns sane defaults for every option.
func DefaultConfig() Config { return crawler.DefaultConfig() }

// Status is a point-in-time snapshot of crawl progress.
type Status = crawler.Status

// Crawler joins the DHT and continually harvests infohashes and metadata.
type Crawler = crawler.Crawler

// New builds a Crawler from cfg. Call Start to begin crawling and Stop to
// shut it down. log may be nil, in which case crawling runs silently.
func New(cfg Config, log logger.Logger) (*Crawler, error) {
	return crawler.New(cfg, log)
}
