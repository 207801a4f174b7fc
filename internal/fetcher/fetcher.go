// Package fetcher downloads a torrent's info dict over a direct TCP
// connection to a peer using the ut_metadata extension (BEP 9), without
// ever joining the swarm as a downloader (spec.md §4.9).
package fetcher

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/bitscout/bitscout/internal/metainfo"
	"github.com/bitscout/bitscout/internal/peerwire"
	"github.com/bitscout/bitscout/internal/ratelimit"
)

// blockSize is the ut_metadata piece size, fixed by BEP 9.
const blockSize = 16 * 1024

// State names the per-connection state machine's steps (spec.md §4.9).
// The code is driven by plain control flow in attempt rather than an
// explicit state table; no value of this type is tracked or exposed.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateExtHandshaking
	StateRequesting
	StateReceiving
	StateVerifying
	StateDone
	StateError
)

// Config configures the fetcher.
type Config struct {
	ConnectionTimeout         time.Duration
	FetchTimeout              time.Duration
	MaxConnectionsPerInfoHash int
	MaxConcurrentFetches      int
	MaxRetries                int
	RetryBaseDelay            time.Duration
	RetryCapDelay             time.Duration
	MaxBytesPerSecond         int
	MaxBytesBurst             int
	PeerIDPrefix              string
	ClientVersion             string
}

// DefaultConfig returns the defaults named in SPEC_FULL.md §1/§4.13,
// themselves carried over from original_source's MetadataFetcherConfig.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout:         30 * time.Second,
		FetchTimeout:              120 * time.Second,
		MaxConnectionsPerInfoHash: 3,
		MaxConcurrentFetches:      10,
		MaxRetries:                3,
		RetryBaseDelay:            time.Second,
		RetryCapDelay:             30 * time.Second,
		MaxBytesPerSecond:         1 << 20,
		MaxBytesBurst:             1 << 20,
		PeerIDPrefix:              "-DH0001-",
		ClientVersion:             "bitscout/0.1.0",
	}
}

// Result is delivered once per Fetch call.
type Result struct {
	InfoHash [20]byte
	Info     *metainfo.Info
	Err      error
}

var (
	ErrNoPeers         = errors.New("fetcher: no peer addresses given")
	ErrAllAttemptsFailed = errors.New("fetcher: every connection attempt failed")
	ErrIntegrity       = errors.New("fetcher: fetched info dict does not hash to the requested infohash")
	ErrTimeout         = errors.New("fetcher: fetch deadline exceeded")
)

// Fetcher bounds the number of concurrent in-flight fetches and the
// aggregate inbound byte rate across all of them.
type Fetcher struct {
	cfg     Config
	limiter *ratelimit.ByteLimiter
	sem     chan struct{}
	peerID  [20]byte
}

// New returns a Fetcher using a freshly minted peer id derived from
// cfg.PeerIDPrefix, padded with random bytes (the Azureus-style
// convention the teacher's tracker.Torrent.PeerID field already follows).
func New(cfg Config) *Fetcher {
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = DefaultConfig().MaxConcurrentFetches
	}
	var id [20]byte
	copy(id[:], cfg.PeerIDPrefix)
	rand.Read(id[len(cfg.PeerIDPrefix):])
	return &Fetcher{
		cfg:     cfg,
		limiter: ratelimit.NewByteLimiter(cfg.MaxBytesPerSecond, cfg.MaxBytesBurst),
		sem:     make(chan struct{}, cfg.MaxConcurrentFetches),
		peerID:  id,
	}
}

// Fetch tries up to MaxConnectionsPerInfoHash peers concurrently and
// returns the first successfully verified info dict. It blocks until
// either a fetch succeeds, every attempt has failed and exhausted
// retries, or ctx is done.
func (f *Fetcher) Fetch(ctx context.Context, infoHash [20]byte, peers []*net.TCPAddr) Result {
	if len(peers) == 0 {
		return Result{InfoHash: infoHash, Err: ErrNoPeers}
	}

	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{InfoHash: infoHash, Err: ctx.Err()}
	}
	defer func() { <-f.sem }()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	n := len(peers)
	if n > f.cfg.MaxConnectionsPerInfoHash {
		n = f.cfg.MaxConnectionsPerInfoHash
	}

	resultC := make(chan Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(addr *net.TCPAddr) {
			defer wg.Done()
			resultC <- f.fetchFromPeer(ctx, addr, infoHash)
		}(peers[i])
	}
	go func() { wg.Wait(); close(resultC) }()

	var lastErr error
	for r := range resultC {
		if r.Err == nil {
			return r
		}
		lastErr = r.Err
	}
	if ctx.Err() != nil {
		return Result{InfoHash: infoHash, Err: ErrTimeout}
	}
	if lastErr == nil {
		lastErr = ErrAllAttemptsFailed
	}
	return Result{InfoHash: infoHash, Err: lastErr}
}

// backoff returns the delay before retry attempt (0-indexed), exponential
// with a cap and +/-20% jitter, per SPEC_FULL.md's retry/backoff
// algorithm.
func backoff(attempt int, base, capDelay time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > capDelay {
			d = capDelay
			break
		}
	}
	jitter := time.Duration(float64(d) * (rand.Float64()*0.4 - 0.2))
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

func (f *Fetcher) fetchFromPeer(ctx context.Context, addr *net.TCPAddr, infoHash [20]byte) Result {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt-1, f.cfg.RetryBaseDelay, f.cfg.RetryCapDelay)):
			case <-ctx.Done():
				return Result{InfoHash: infoHash, Err: ctx.Err()}
			}
		}
		info, err := f.attempt(ctx, addr, infoHash)
		if err == nil {
			return Result{InfoHash: infoHash, Info: info}
		}
		lastErr = err
		if ctx.Err() != nil {
			return Result{InfoHash: infoHash, Err: ctx.Err()}
		}
	}
	return Result{InfoHash: infoHash, Err: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, addr *net.TCPAddr, infoHash [20]byte) (*metainfo.Info, error) {
	dialer := net.Dialer{Timeout: f.cfg.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("fetcher: dial: %w", err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if err := peerwire.WriteHandshake(conn, infoHash, f.peerID); err != nil {
		return nil, fmt.Errorf("fetcher: handshake write: %w", err)
	}
	hs, err := peerwire.ReadHandshake(conn, infoHash)
	if err != nil {
		return nil, fmt.Errorf("fetcher: handshake read: %w", err)
	}
	if !hs.SupportsLTEP {
		return nil, errors.New("fetcher: peer does not support the extension protocol")
	}

	ehBytes, err := peerwire.BuildExtensionHandshake(f.cfg.ClientVersion)
	if err != nil {
		return nil, err
	}
	if err := peerwire.WriteMessage(conn, peerwire.MessageExtended, append([]byte{peerwire.ExtensionHandshakeID}, ehBytes...)); err != nil {
		return nil, fmt.Errorf("fetcher: extension handshake write: %w", err)
	}

	remoteMetadataID, metadataSize, err := f.readUntilExtensionHandshake(conn)
	if err != nil {
		return nil, err
	}
	if metadataSize <= 0 {
		return nil, errors.New("fetcher: peer did not advertise a metadata size")
	}

	raw, err := f.downloadMetadata(ctx, conn, remoteMetadataID, int(metadataSize))
	if err != nil {
		return nil, err
	}

	sum := sha1.Sum(raw)
	if sum != infoHash {
		return nil, ErrIntegrity
	}
	return metainfo.NewInfo(raw)
}

// readUntilExtensionHandshake discards any bitfield/other pre-extension
// messages and returns the remote's negotiated ut_metadata id plus the
// metadata size it advertised.
func (f *Fetcher) readUntilExtensionHandshake(conn net.Conn) (remoteID int64, metadataSize int64, err error) {
	for {
		msg, err := peerwire.ReadMessage(conn)
		if err != nil {
			return 0, 0, fmt.Errorf("fetcher: read: %w", err)
		}
		if msg.ID == -1 || msg.ID == peerwire.MessageBitfield {
			continue
		}
		if msg.ID != peerwire.MessageExtended || len(msg.Payload) == 0 {
			continue
		}
		if msg.Payload[0] != peerwire.ExtensionHandshakeID {
			continue
		}
		eh, err := peerwire.ParseExtensionHandshake(msg.Payload[1:])
		if err != nil {
			return 0, 0, fmt.Errorf("fetcher: bad extension handshake: %w", err)
		}
		id, ok := eh.M[peerwire.ExtensionKeyMetadata]
		if !ok {
			return 0, 0, errors.New("fetcher: peer does not support ut_metadata")
		}
		return id, eh.MetadataSize, nil
	}
}

func (f *Fetcher) downloadMetadata(ctx context.Context, conn net.Conn, remoteMetadataID int64, size int) ([]byte, error) {
	out := make([]byte, size)
	numBlocks := size / blockSize
	if size%blockSize != 0 {
		numBlocks++
	}
	for i := 0; i < numBlocks; i++ {
		req, err := peerwire.BuildMetadataRequest(i)
		if err != nil {
			return nil, err
		}
		payload := append([]byte{byte(remoteMetadataID)}, req...)
		if err := peerwire.WriteMessage(conn, peerwire.MessageExtended, payload); err != nil {
			return nil, fmt.Errorf("fetcher: request write: %w", err)
		}

		block, err := f.readMetadataData(conn, i)
		if err != nil {
			return nil, err
		}
		if err := f.limiter.WaitN(ctx, len(block)); err != nil {
			return nil, err
		}
		begin := i * blockSize
		end := begin + len(block)
		if end > size {
			return nil, errors.New("fetcher: peer sent metadata beyond the advertised size")
		}
		copy(out[begin:end], block)
	}
	return out, nil
}

func (f *Fetcher) readMetadataData(conn net.Conn, wantPiece int) ([]byte, error) {
	for {
		msg, err := peerwire.ReadMessage(conn)
		if err != nil {
			return nil, fmt.Errorf("fetcher: read: %w", err)
		}
		if msg.ID != peerwire.MessageExtended || len(msg.Payload) == 0 {
			continue
		}
		body, err := peerwire.ParseMetadataMessage(msg.Payload[1:])
		if err != nil {
			continue
		}
		switch body.Type {
		case peerwire.MetadataMsgTypeReject:
			return nil, fmt.Errorf("fetcher: peer rejected piece %d", wantPiece)
		case peerwire.MetadataMsgTypeData:
			if body.Piece != wantPiece {
				continue
			}
			return body.Data, nil
		}
	}
}
