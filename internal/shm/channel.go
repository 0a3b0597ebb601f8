//go:build darwin || linux

package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/1ureka/rpibridge/internal/clock"
)

// Channel is one file-backed record: header + payload, memory-mapped
// MAP_SHARED so writes are visible to every process mapping the same file.
//
// A Channel is not safe for concurrent use; each process owns its own
// instance and the protocol assumes a single writer per file.
type Channel struct {
	path string
	fd   int
	data []byte // HeaderSize + payloadSize bytes

	payloadSize int
	width       uint32
	height      uint32
	stride      uint32

	// sequence is the last sequence this instance wrote (or found on disk
	// when the channel was opened).
	sequence uint64

	clock     clock.Clock
	anomalies atomic.Uint64
}

// Option configures Create.
type Option func(*Channel)

// WithGeometry sets the default frame geometry stamped on every write.
func WithGeometry(width, height, stride int) Option {
	return func(c *Channel) {
		c.width = uint32(width)
		c.height = uint32(height)
		c.stride = uint32(stride)
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) { c.clock = clk }
}

// Record is one header + payload pair returned by a read.
type Record struct {
	Header  Header
	Payload []byte
}

// Create opens the channel file at path, creating it (and its directory) if
// needed. A file smaller than HeaderSize+payloadSize is treated as
// uninitialized and re-truncated; a large enough file is left untouched so
// its stored sequence survives.
func Create(path string, payloadSize int, opts ...Option) (*Channel, error) {
	if payloadSize < 0 {
		return nil, fmt.Errorf("shm: negative payload size %d", payloadSize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating channel directory: %w", err)
	}

	total := int64(HeaderSize + payloadSize)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening channel %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stating channel %s: %w", path, err)
	}

	if stat.Size < total {
		// Too small to hold this channel: discard whatever is there.
		if err := unix.Ftruncate(fd, 0); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("resetting channel %s: %w", path, err)
		}
		if err := unix.Ftruncate(fd, total); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("truncating channel %s to %d bytes: %w", path, total, err)
		}
	}

	data, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory-mapping channel %s: %w", path, err)
	}

	c := &Channel{
		path:        path,
		fd:          fd,
		data:        data,
		payloadSize: payloadSize,
		clock:       clock.Real(),
	}
	for _, opt := range opts {
		opt(c)
	}

	// Continue the on-disk sequence so readers never see it go backwards
	// when a writer restarts.
	if h, err := DecodeHeader(data); err == nil && h.Validate() == nil {
		c.sequence = h.Sequence
	}

	return c, nil
}

// Path returns the backing file path.
func (c *Channel) Path() string { return c.path }

// PayloadSize returns the fixed payload capacity.
func (c *Channel) PayloadSize() int { return c.payloadSize }

// Sequence returns the last sequence written by this instance.
func (c *Channel) Sequence() uint64 { return c.sequence }

// Anomalies returns how many reads were discarded as malformed or torn.
func (c *Channel) Anomalies() uint64 { return c.anomalies.Load() }

// writeConfig holds per-write overrides.
type writeConfig struct {
	width, height, stride *uint32
	flags                 uint32
	sequence              *uint64
}

// WriteOption overrides header fields for a single Write.
type WriteOption func(*writeConfig)

// WriteGeometry overrides the channel's default geometry for one write.
func WriteGeometry(width, height, stride int) WriteOption {
	return func(w *writeConfig) {
		wv, hv, sv := uint32(width), uint32(height), uint32(stride)
		w.width, w.height, w.stride = &wv, &hv, &sv
	}
}

// WriteFlags sets the header flags for one write.
func WriteFlags(flags uint32) WriteOption {
	return func(w *writeConfig) { w.flags = flags }
}

// WriteSequence writes an explicit sequence number instead of the next one.
// The channel's counter continues from it. Sequence 0 is reserved for the
// in-progress marker and reads back as torn.
func WriteSequence(seq uint64) WriteOption {
	return func(w *writeConfig) { w.sequence = &seq }
}

// Write replaces the channel contents with payload (truncated to capacity,
// zero-padded) and returns the sequence number used.
func (c *Channel) Write(payload []byte, opts ...WriteOption) (uint64, error) {
	if c.data == nil {
		return 0, ErrClosed
	}

	var cfg writeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(payload) > c.payloadSize {
		payload = payload[:c.payloadSize]
	}

	if cfg.sequence != nil {
		c.sequence = *cfg.sequence
	} else {
		c.sequence++
	}

	h := Header{
		Magic:       Magic,
		Version:     Version,
		HeaderSize:  HeaderSize,
		Width:       c.width,
		Height:      c.height,
		Stride:      c.stride,
		PayloadSize: uint32(c.payloadSize),
		Sequence:    c.sequence,
		TimestampUS: uint64(c.clock.Now().UnixMicro()),
		Flags:       cfg.flags,
	}
	if cfg.width != nil {
		h.Width, h.Height, h.Stride = *cfg.width, *cfg.height, *cfg.stride
	}

	var hdr [HeaderSize]byte
	EncodeHeader(&h, hdr[:])

	err := guardFault(func() {
		c.beginWrite()

		body := c.data[HeaderSize:]
		n := copy(body, payload)
		clear(body[n:])

		copy(c.data[:sequenceOffset], hdr[:sequenceOffset])
		copy(c.data[sequenceOffset+8:HeaderSize], hdr[sequenceOffset+8:])
		copy(c.data[sequenceOffset:sequenceOffset+8], hdr[sequenceOffset:sequenceOffset+8])
	})
	if err != nil {
		return 0, fmt.Errorf("writing channel %s: %w", c.path, err)
	}
	return c.sequence, nil
}

// beginWrite stores the in-progress marker (sequence 0). The new sequence
// goes in last, so a reader either sees the marker or sees the field change
// under its copy.
func (c *Channel) beginWrite() {
	clear(c.data[sequenceOffset : sequenceOffset+8])
}

// Read decodes the header and copies the payload it describes. It does not
// validate magic or version; a never-written channel reads as a zero header
// with an empty payload. A record caught mid-write (sequence 0 under a valid
// magic, or a sequence that changes during the copy) returns ErrTornRead.
func (c *Channel) Read() (Record, error) {
	if c.data == nil {
		return Record{}, ErrClosed
	}

	var stat unix.Stat_t
	if err := unix.Fstat(c.fd, &stat); err != nil {
		return Record{}, fmt.Errorf("stating channel %s: %w", c.path, err)
	}
	if stat.Size < HeaderSize {
		return Record{}, fmt.Errorf("%w: file is %d bytes", ErrShortHeader, stat.Size)
	}

	var rec Record
	var decodeErr error
	err := guardFault(func() {
		rec.Header, decodeErr = DecodeHeader(c.data)
		if decodeErr != nil {
			return
		}
		if rec.Header.Magic == Magic && rec.Header.Sequence == 0 {
			decodeErr = ErrTornRead
			return
		}
		size := int(rec.Header.PayloadSize)
		if size > c.payloadSize {
			decodeErr = fmt.Errorf("%w: %d > %d", ErrCapacity, size, c.payloadSize)
			return
		}
		rec.Payload = make([]byte, size)
		copy(rec.Payload, c.data[HeaderSize:HeaderSize+size])

		if binary.LittleEndian.Uint64(c.data[sequenceOffset:]) != rec.Header.Sequence {
			decodeErr = ErrTornRead
		}
	})
	if err != nil {
		return Record{}, fmt.Errorf("reading channel %s: %w", c.path, err)
	}
	if decodeErr != nil {
		return Record{}, decodeErr
	}
	return rec, nil
}

// ReadIfNew returns the current record if it is valid and its sequence is
// greater than last. Malformed, foreign-version and torn records report
// ok == false and are counted as anomalies; err is only set when the
// channel itself cannot be read.
func (c *Channel) ReadIfNew(last uint64) (rec Record, ok bool, err error) {
	rec, err = c.Read()
	if err != nil {
		if isAnomaly(err) {
			c.anomalies.Add(1)
			return Record{}, false, nil
		}
		return Record{}, false, err
	}

	if rec.Header.Magic == ([4]byte{}) && rec.Header.Sequence == 0 {
		// Never written.
		return Record{}, false, nil
	}
	if rec.Header.Validate() != nil {
		c.anomalies.Add(1)
		return Record{}, false, nil
	}
	if rec.Header.Sequence <= last {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Close unmaps the channel and closes the file. Safe to call more than once.
func (c *Channel) Close() error {
	if c.data == nil {
		return nil
	}
	var firstErr error
	if err := unix.Munmap(c.data); err != nil {
		firstErr = fmt.Errorf("unmapping channel %s: %w", c.path, err)
	}
	if err := unix.Close(c.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing channel %s: %w", c.path, err)
	}
	c.data = nil
	c.fd = -1
	return firstErr
}

func isAnomaly(err error) bool {
	return errors.Is(err, ErrShortHeader) ||
		errors.Is(err, ErrCapacity) ||
		errors.Is(err, ErrTornRead)
}

// guardFault runs fn with page faults converted to errors. Another process
// truncating the file under our mapping would otherwise raise SIGBUS.
func guardFault(fn func()) (err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: page fault: %v", ErrShortHeader, r)
		}
	}()
	fn()
	return nil
}
