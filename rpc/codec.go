// Package rpc carries forwarded writes between replica regions and the
// primary over NATS request/reply. Payloads are msgpack encoded and
// zstd-compressed once they cross a size threshold.
package rpc

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/lagless/router"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame header bytes identifying the payload encoding
const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

// WriteRequest is a forwarded mutating operation
type WriteRequest struct {
	RequestID uint64           `msgpack:"id"`   // Idempotency key, stable across redelivery
	NodeID    uint64           `msgpack:"node"` // Originating replica node
	Region    string           `msgpack:"region"`
	Op        router.Operation `msgpack:"op"`
}

// WriteResponse is the primary's reply
type WriteResponse struct {
	Success      bool   `msgpack:"ok"`
	Error        string `msgpack:"err,omitempty"`
	RowsAffected int64  `msgpack:"rows"`
	LastInsertID int64  `msgpack:"last_id"`
	Position     uint64 `msgpack:"pos"` // Replication position produced by the write
}

// Codec serializes request/response envelopes. Safe for concurrent use.
type Codec struct {
	minCompress int
	enc         *zstd.Encoder
	dec         *zstd.Decoder
}

// NewCodec creates a codec that compresses payloads of at least
// minCompressBytes. A non-positive threshold disables compression.
func NewCodec(minCompressBytes int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Codec{minCompress: minCompressBytes, enc: enc, dec: dec}, nil
}

// Marshal encodes v as a framed msgpack payload
func (c *Codec) Marshal(v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode failed: %w", err)
	}

	if c.minCompress > 0 && len(body) >= c.minCompress {
		compressed := c.enc.EncodeAll(body, make([]byte, 1, len(body)/2+1))
		compressed[0] = frameZstd
		return compressed, nil
	}

	framed := make([]byte, 1+len(body))
	framed[0] = frameRaw
	copy(framed[1:], body)
	return framed, nil
}

// Unmarshal decodes a framed payload produced by Marshal
func (c *Codec) Unmarshal(data []byte, v any) error {
	if len(data) < 1 {
		return fmt.Errorf("empty payload")
	}

	body := data[1:]
	switch data[0] {
	case frameRaw:
	case frameZstd:
		decompressed, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("zstd decode failed: %w", err)
		}
		body = decompressed
	default:
		return fmt.Errorf("unknown frame header 0x%02x", data[0])
	}

	dec := msgpack.NewDecoder(bytes.NewReader(body))
	// Loose decoding keeps op arguments as strings rather than []byte when
	// they round-trip through interface{}.
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
