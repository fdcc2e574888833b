// Package codec serializes Nodes Configuration blobs. ALL blob encoding and
// decoding MUST go through this package so every process agrees on the wire
// format.
//
// Wire layout: 2-byte magic, 1-byte flags, big-endian u64 version, big-endian
// u64 xxhash64 of the body, body. The body is the msgpack encoding of the
// configuration, s2-compressed when the compression flag is set. The version
// lives in the fixed header so subscribers can drop stale blobs without
// paying for a full decode.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/burrowlabs/burrow/nc"
)

var (
	ErrBadHeader = errors.New("malformed blob header")
	ErrChecksum  = errors.New("blob checksum mismatch")
)

const (
	magic0 = 0xB7
	magic1 = 0x4E // 'N'

	flagCompressed = 1 << 0

	headerSize = 2 + 1 + 8 + 8

	// Bodies below this size skip compression; s2 overhead dominates.
	compressThreshold = 256

	decodeCacheSize = 32
)

// Codec encodes and decodes configuration blobs. Safe for concurrent use.
type Codec struct {
	compress bool
	cache    *lru.Cache[uint64, *nc.NodesConfiguration] // body checksum -> decoded config
}

// New creates a codec with compression enabled.
func New() *Codec {
	cache, _ := lru.New[uint64, *nc.NodesConfiguration](decodeCacheSize)
	return &Codec{compress: true, cache: cache}
}

// Serialize encodes a configuration into a self-describing blob.
func (c *Codec) Serialize(config *nc.NodesConfiguration) ([]byte, error) {
	if config == nil {
		return nil, fmt.Errorf("cannot serialize nil configuration")
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(config); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	body := buf.Bytes()

	var flags byte
	if c.compress && len(body) >= compressThreshold {
		body = s2.Encode(nil, body)
		flags |= flagCompressed
	}

	blob := make([]byte, headerSize+len(body))
	blob[0] = magic0
	blob[1] = magic1
	blob[2] = flags
	binary.BigEndian.PutUint64(blob[3:], config.Version)
	binary.BigEndian.PutUint64(blob[11:], xxhash.Sum64(body))
	copy(blob[headerSize:], body)
	return blob, nil
}

// ExtractVersion parses only the fixed header and returns the blob's version.
// Cheap: no body decode.
func (c *Codec) ExtractVersion(blob []byte) (uint64, error) {
	if len(blob) < headerSize || blob[0] != magic0 || blob[1] != magic1 {
		return 0, ErrBadHeader
	}
	return binary.BigEndian.Uint64(blob[3:11]), nil
}

// Deserialize decodes a blob into a configuration. Verifies the body checksum
// and serves repeat decodes of an identical body from a small LRU cache.
func (c *Codec) Deserialize(blob []byte) (*nc.NodesConfiguration, error) {
	if len(blob) < headerSize || blob[0] != magic0 || blob[1] != magic1 {
		return nil, ErrBadHeader
	}
	flags := blob[2]
	version := binary.BigEndian.Uint64(blob[3:11])
	sum := binary.BigEndian.Uint64(blob[11:19])
	body := blob[headerSize:]

	if xxhash.Sum64(body) != sum {
		return nil, ErrChecksum
	}

	if cached, ok := c.cache.Get(sum); ok && cached.Version == version {
		return cached, nil
	}

	if flags&flagCompressed != 0 {
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("s2 decode: %w", err)
		}
		body = decoded
	}

	var config nc.NodesConfiguration
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}

	if config.Version != version {
		return nil, fmt.Errorf("%w: header version %d, body version %d",
			ErrBadHeader, version, config.Version)
	}
	if config.Nodes == nil {
		config.Nodes = map[uint64]*nc.NodeDescriptor{}
	}

	c.cache.Add(sum, &config)
	return &config, nil
}

// DebugJSON renders a configuration as JSON for tracing and admin endpoints.
func (c *Codec) DebugJSON(config *nc.NodesConfiguration) string {
	if config == nil {
		return "null"
	}
	out, err := json.Marshal(config)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(out)
}
