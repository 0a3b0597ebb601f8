// Package mirror streams channel updates to a remote viewer. The host side
// encodes each record as a CBOR Update, splits it into DataChannel-sized
// fragments and hands them to a Sink without ever blocking the host loop;
// the viewer side reassembles, decompresses and verifies them.
package mirror

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/1ureka/rpibridge/internal/shm"
	"github.com/1ureka/rpibridge/internal/util"
)

// Compression identifies how Update.Data is compressed.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return CompressionNone, fmt.Errorf("unsupported compression %q", s)
}

// Update is the CBOR body of a mirror packet: one channel record.
type Update struct {
	TimestampUS uint64      `cbor:"ts"`
	Width       uint32      `cbor:"w"`
	Height      uint32      `cbor:"h"`
	Stride      uint32      `cbor:"stride"`
	Flags       uint32      `cbor:"flags"`
	Compression Compression `cbor:"comp"`
	Size        int         `cbor:"size"` // uncompressed payload length
	Digest      []byte      `cbor:"digest"`
	Data        []byte      `cbor:"data"`
}

var (
	errIncompressible = errors.New("data is incompressible")

	// ErrDigestMismatch is returned when a decoded payload does not match
	// the digest it was sent with.
	ErrDigestMismatch = errors.New("mirror: payload digest mismatch")
)

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("mirror: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("mirror: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("mirror: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("mirror: zstd decoder initialization failed: " + err.Error())
	}
}

// NewUpdate builds the Update for rec. The payload is compressed with comp
// unless that does not make it smaller, in which case it is sent as-is.
func NewUpdate(rec shm.Record, comp Compression) Update {
	digest := util.Digest(rec.Payload)
	u := Update{
		TimestampUS: rec.Header.TimestampUS,
		Width:       rec.Header.Width,
		Height:      rec.Header.Height,
		Stride:      rec.Header.Stride,
		Flags:       rec.Header.Flags,
		Compression: CompressionNone,
		Size:        len(rec.Payload),
		Digest:      digest[:],
		Data:        rec.Payload,
	}

	var compressed []byte
	var err error
	switch comp {
	case CompressionLZ4:
		compressed, err = compressLZ4(rec.Payload)
	case CompressionZstd:
		compressed, err = compressZstd(rec.Payload)
	default:
		return u
	}
	if err == nil {
		u.Compression = comp
		u.Data = compressed
	}
	return u
}

// Marshal encodes u as deterministic CBOR.
func (u Update) Marshal() ([]byte, error) {
	return encMode.Marshal(u)
}

// UnmarshalUpdate decodes a CBOR body.
func UnmarshalUpdate(body []byte) (Update, error) {
	var u Update
	if err := decMode.Unmarshal(body, &u); err != nil {
		return Update{}, fmt.Errorf("decoding update: %w", err)
	}
	return u, nil
}

// Payload decompresses u.Data and verifies it against u.Digest.
func (u Update) Payload() ([]byte, error) {
	var payload []byte
	var err error
	switch u.Compression {
	case CompressionNone:
		if len(u.Data) != u.Size {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d", len(u.Data), u.Size)
		}
		payload = u.Data
	case CompressionLZ4:
		payload, err = decompressLZ4(u.Data, u.Size)
	case CompressionZstd:
		payload, err = decompressZstd(u.Data, u.Size)
	default:
		return nil, fmt.Errorf("unsupported compression: %s", u.Compression)
	}
	if err != nil {
		return nil, err
	}

	digest := util.Digest(payload)
	if len(u.Digest) != len(digest) || string(u.Digest) != string(digest[:]) {
		return nil, ErrDigestMismatch
	}
	return payload, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// 0 means CompressBlock found the data incompressible.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
