// Package metainfo reads bencoded torrent metadata: the raw info dict a
// fetch yields, and the full .torrent file wrapping it.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"

	"github.com/zeebo/bencode"
)

// MetaInfo is the top-level .torrent file dictionary.
type MetaInfo struct {
	Info         *Info              `bencode:"-"`
	RawInfo      bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	CreationDate int64              `bencode:"creation date,omitempty"`
	Comment      string             `bencode:"comment,omitempty"`
	CreatedBy    string             `bencode:"created by,omitempty"`
	Encoding     string             `bencode:"encoding,omitempty"`
}

// New parses a complete .torrent file.
func New(r io.Reader) (*MetaInfo, error) {
	var t MetaInfo
	if err := bencode.NewDecoder(r).Decode(&t); err != nil {
		return nil, err
	}
	if len(t.RawInfo) == 0 {
		return nil, errors.New("metainfo: no info dict in torrent file")
	}
	var err error
	t.Info, err = NewInfo(t.RawInfo)
	return &t, err
}

// file is one entry of a multi-file torrent's file list.
type file struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo is the on-wire shape of the info dict; Info adds the derived
// fields (Hash, TotalLength, IsMultiFile) a fetch needs but no bencoded
// message carries directly.
type rawInfo struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Private     int64  `bencode:"private,omitempty"`
	Length      int64  `bencode:"length,omitempty"`
	Files       []file `bencode:"files,omitempty"`
}

// Info is the parsed and validated info dict, plus the fields spec.md
// §4.10 names for extract_info: Name, TotalLength and IsMultiFile.
type Info struct {
	Bytes       []byte
	Hash        [20]byte
	Name        string
	PieceLength int64
	NumPieces   int
	Private     bool
	TotalLength int64
	IsMultiFile bool
	Files       []File
}

// File is one file within a multi-file torrent: its path components and
// length.
type File struct {
	Path   []string
	Length int64
}

const pieceHashLen = 20

// NewInfo validates and parses a raw bencoded info dict, as produced by a
// completed ut_metadata fetch (spec.md §4.9 VERIFYING state, §7 integrity
// checks). It checks that the name is non-empty, the piece length is
// positive, pieces is a multiple of 20 bytes, exactly one of length and
// files is present, and every file entry is well formed. The piece count
// is not checked against the total length.
func NewInfo(b []byte) (*Info, error) {
	var ri rawInfo
	if err := bencode.NewDecoder(bytes.NewReader(b)).Decode(&ri); err != nil {
		return nil, err
	}
	if ri.Name == "" {
		return nil, errors.New("metainfo: info dict missing name")
	}
	if ri.PieceLength <= 0 {
		return nil, errors.New("metainfo: info dict has non-positive piece length")
	}
	if len(ri.Pieces)%pieceHashLen != 0 {
		return nil, errors.New("metainfo: pieces field is not a multiple of 20 bytes")
	}

	in := &Info{
		Bytes:       append([]byte(nil), b...),
		Hash:        sha1.Sum(b),
		Name:        ri.Name,
		PieceLength: ri.PieceLength,
		NumPieces:   len(ri.Pieces) / pieceHashLen,
		Private:     ri.Private == 1,
	}

	switch {
	case len(ri.Files) > 0 && ri.Length > 0:
		return nil, errors.New("metainfo: info dict has both length and files")
	case len(ri.Files) > 0:
		in.IsMultiFile = true
		in.Files = make([]File, len(ri.Files))
		for i, f := range ri.Files {
			if f.Length < 0 || len(f.Path) == 0 {
				return nil, errors.New("metainfo: malformed file entry")
			}
			in.Files[i] = File{Path: f.Path, Length: f.Length}
			in.TotalLength += f.Length
		}
	case ri.Length > 0:
		in.TotalLength = ri.Length
	default:
		return nil, errors.New("metainfo: info dict has neither length nor files")
	}

	return in, nil
}

// GetTrackers flattens Announce/AnnounceList into one ordered list, a
// magnet link or an announced tracker set a caller might want to keep
// even though this module never contacts them.
func (m *MetaInfo) GetTrackers() []string {
	var out []string
	if m.Announce != "" {
		out = append(out, m.Announce)
	}
	for _, tier := range m.AnnounceList {
		out = append(out, tier...)
	}
	return out
}
