package metadatastore

import (
	"bytes"

	"github.com/zeebo/bencode"
)

// torrentFile mirrors metainfo.MetaInfo's field layout exactly, so a file
// built here round-trips through metainfo.New without modification
// (SPEC_FULL.md's torrent-file-synthesis expansion).
type torrentFile struct {
	Info         bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	CreationDate int64              `bencode:"creation date,omitempty"`
	Comment      string             `bencode:"comment,omitempty"`
	CreatedBy    string             `bencode:"created by,omitempty"`
	Encoding     string             `bencode:"encoding"`
}

// BuildTorrentFile wraps a raw info dict into a complete .torrent file
// using opts for the outer fields. createdAt is a Unix timestamp supplied by the
// caller (this package never reads the clock itself).
func BuildTorrentFile(info []byte, opts TorrentFileOptions, createdAt int64) []byte {
	tf := torrentFile{
		Info:         bencode.RawMessage(info),
		Announce:     opts.AnnounceURL,
		AnnounceList: opts.AnnounceList,
		CreationDate: createdAt,
		Comment:      opts.Comment,
		CreatedBy:    opts.CreatedBy,
		Encoding:     "UTF-8",
	}
	var buf bytes.Buffer
	// Encode errors here can only come from a non-serializable Go value,
	// which torrentFile's fixed field types rule out.
	_ = bencode.NewEncoder(&buf).Encode(&tf)
	return buf.Bytes()
}
