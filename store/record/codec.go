// Package record encodes the JSON records stored in bbolt by the outbox and
// the L2 tier.
//
// Layout: [1-byte encoding][32-byte BLAKE3 digest of the JSON][body]
// where body is the JSON itself or its zstd compression.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	tieredcache "github.com/wolfeidau/tiered-cache"
)

const (
	// CompressionThreshold is the minimum JSON size before compression is considered.
	CompressionThreshold = 2048

	// MaxRecordSize is the maximum allowed uncompressed record size.
	MaxRecordSize = 10 * 1024 * 1024 // 10MB

	headerSize = 1 + tieredcache.HashSize
)

// Encoding identifies how a record body is stored.
type Encoding byte

const (
	EncodingIdentity Encoding = 0
	EncodingZstd     Encoding = 1
)

var (
	// ErrCorrupted is returned when a record digest does not match its body.
	ErrCorrupted = errors.New("record digest mismatch")

	// ErrTooLarge is returned when a record exceeds MaxRecordSize.
	ErrTooLarge = errors.New("record exceeds maximum size")

	// ErrTruncated is returned when a stored value is shorter than the header.
	ErrTruncated = errors.New("record truncated")
)

// Codec encodes and decodes records. It is safe for concurrent use.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with a reusable zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRecordSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode marshals v to JSON and frames it, compressing when that helps.
func (c *Codec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return nil, ErrTooLarge
	}

	digest := tieredcache.HashBytes(data)
	body, encoding := c.compress(data)

	out := make([]byte, headerSize+len(body))
	out[0] = byte(encoding)
	copy(out[1:headerSize], digest[:])
	copy(out[headerSize:], body)
	return out, nil
}

func (c *Codec) compress(data []byte) ([]byte, Encoding) {
	if len(data) < CompressionThreshold {
		return data, EncodingIdentity
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity
	}
	return compressed, EncodingZstd
}

// Decode verifies a framed record and unmarshals its JSON into v.
func (c *Codec) Decode(raw []byte, v any) error {
	if len(raw) < headerSize {
		return ErrTruncated
	}

	var digest tieredcache.Hash
	copy(digest[:], raw[1:headerSize])
	body := raw[headerSize:]

	var data []byte
	switch Encoding(raw[0]) {
	case EncodingIdentity:
		data = body
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return errors.New("decoder not initialized")
		}
		var err error
		data, err = dec.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("decompressing record: %w", err)
		}
		if len(data) > MaxRecordSize {
			return ErrTooLarge
		}
	default:
		return fmt.Errorf("unsupported record encoding: %d", raw[0])
	}

	if tieredcache.HashBytes(data) != digest {
		return ErrCorrupted
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling record: %w", err)
	}
	return nil
}
