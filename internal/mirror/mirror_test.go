package mirror

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/shm"
	"github.com/1ureka/rpibridge/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

// Compile-time interface check.
var _ Sink = (*mockSink)(nil)

// mockSink records every packet handed to it.
type mockSink struct {
	mu      sync.Mutex
	packets []*protocol.Packet
}

func (m *mockSink) Send(pkt *protocol.Packet) {
	m.mu.Lock()
	m.packets = append(m.packets, pkt)
	m.mu.Unlock()
}

func (m *mockSink) take() []*protocol.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.packets
	m.packets = nil
	return out
}

// blocks returns a compressible RGBA frame of 16x16 solid tiles.
func blocks(width, height, tick int) []byte {
	buf := make([]byte, width*height*4)
	for y := range height {
		for x := range width {
			i := (y*width + x) * 4
			buf[i] = byte(x/16 + tick)
			buf[i+1] = byte(y/16 + 2*tick)
			buf[i+2] = byte((x+y)/16 + 3*tick)
			buf[i+3] = 0xFF
		}
	}
	return buf
}

func frameRecord(seq uint64, payload []byte) shm.Record {
	return sizedRecord(seq, 64, 48, payload)
}

func sizedRecord(seq uint64, width, height int, payload []byte) shm.Record {
	return shm.Record{
		Header: shm.Header{
			Magic:       shm.Magic,
			Version:     shm.Version,
			HeaderSize:  shm.HeaderSize,
			Width:       uint32(width),
			Height:      uint32(height),
			Stride:      uint32(width * 4),
			PayloadSize: uint32(len(payload)),
			Sequence:    seq,
			TimestampUS: 1_700_000_000_000_000 + seq,
		},
		Payload: payload,
	}
}

func TestUpdatePayloadRoundTrip(t *testing.T) {
	frame := blocks(64, 48, 3)

	for _, comp := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(comp.String(), func(t *testing.T) {
			update := NewUpdate(frameRecord(7, frame), comp)
			if update.Compression != comp {
				t.Fatalf("compression = %s, want %s", update.Compression, comp)
			}
			if comp != CompressionNone && len(update.Data) >= len(frame) {
				t.Errorf("compressed size %d not smaller than %d", len(update.Data), len(frame))
			}

			body, err := update.Marshal()
			if err != nil {
				t.Fatal(err)
			}
			decoded, err := UnmarshalUpdate(body)
			if err != nil {
				t.Fatal(err)
			}
			if decoded.Width != 64 || decoded.Height != 48 || decoded.Stride != 256 {
				t.Errorf("geometry = %dx%d/%d", decoded.Width, decoded.Height, decoded.Stride)
			}
			if decoded.TimestampUS != 1_700_000_000_000_007 {
				t.Errorf("timestamp = %d", decoded.TimestampUS)
			}
			payload, err := decoded.Payload()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(payload, frame) {
				t.Fatal("payload differs after round trip")
			}
		})
	}
}

func TestUpdateIncompressibleSentRaw(t *testing.T) {
	noise := make([]byte, 4096)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range noise {
		noise[i] = byte(rng.Uint32())
	}

	for _, comp := range []Compression{CompressionLZ4, CompressionZstd} {
		update := NewUpdate(frameRecord(1, noise), comp)
		if update.Compression != CompressionNone {
			t.Errorf("%s: compression = %s, want none", comp, update.Compression)
		}
		if !bytes.Equal(update.Data, noise) {
			t.Errorf("%s: raw data altered", comp)
		}
	}
}

func TestUpdateDigestMismatch(t *testing.T) {
	update := NewUpdate(frameRecord(1, []byte{1, 2, 3, 4}), CompressionNone)
	update.Data = []byte{1, 2, 3, 5}
	if _, err := update.Payload(); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("err = %v, want ErrDigestMismatch", err)
	}

	update = NewUpdate(frameRecord(1, []byte{1, 2, 3, 4}), CompressionNone)
	update.Data = update.Data[:2]
	if _, err := update.Payload(); err == nil {
		t.Fatal("expected size error")
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in   string
		want Compression
		ok   bool
	}{
		{"", CompressionNone, true},
		{"none", CompressionNone, true},
		{"lz4", CompressionLZ4, true},
		{"zstd", CompressionZstd, true},
		{"gzip", CompressionNone, false},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseCompression(%q) = %s, %v", tt.in, got, err)
		}
	}
}

func TestFragmentReassembleOutOfOrder(t *testing.T) {
	body := make([]byte, 2*MaxFragmentSize+100)
	for i := range body {
		body[i] = byte(i * 7)
	}

	packets := fragment(protocol.RoleDisplay, 9, body)
	if len(packets) != 3 {
		t.Fatalf("fragments = %d, want 3", len(packets))
	}
	for i, pkt := range packets {
		if int(pkt.Fragment) != i || pkt.Fragments != 3 || pkt.Sequence != 9 {
			t.Errorf("packet %d header = %d/%d seq %d", i, pkt.Fragment, pkt.Fragments, pkt.Sequence)
		}
	}

	r := NewReassembler()
	if got := r.Feed(packets[2]); got != nil {
		t.Fatal("complete after 1 of 3 fragments")
	}
	if got := r.Feed(packets[0]); got != nil {
		t.Fatal("complete after 2 of 3 fragments")
	}
	if got := r.Feed(packets[0]); got != nil {
		t.Fatal("duplicate fragment completed the update")
	}
	got := r.Feed(packets[1])
	if !bytes.Equal(got, body) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(body))
	}

	// Anything at or below the completed sequence is stale.
	if r.Feed(packets[1]) != nil {
		t.Error("stale fragment produced a body")
	}
}

func TestFragmentEmptyBody(t *testing.T) {
	packets := fragment(protocol.RoleGPIO, 1, nil)
	if len(packets) != 1 || packets[0].Fragments != 1 {
		t.Fatalf("packets = %+v", packets)
	}
	if got := NewReassembler().Feed(packets[0]); got == nil || len(got) != 0 {
		t.Fatalf("Feed = %v, want empty body", got)
	}
}

func TestReassemblerNewerSequenceReplacesPartial(t *testing.T) {
	old := fragment(protocol.RoleCamera, 4, make([]byte, MaxFragmentSize+1))
	newer := fragment(protocol.RoleCamera, 5, []byte("fresh"))

	r := NewReassembler()
	r.Feed(old[0])
	if got := r.Feed(newer[0]); string(got) != "fresh" {
		t.Fatalf("Feed = %q", got)
	}
	if r.Feed(old[1]) != nil {
		t.Error("fragment of an abandoned update completed it")
	}
}

func TestPublisherDropsWithoutViewer(t *testing.T) {
	p := NewPublisher(CompressionLZ4)
	p.Publish(protocol.RoleDisplay, frameRecord(1, blocks(8, 8, 0)))
	if len(p.queue) != 0 {
		t.Fatalf("queued %d records with no viewer attached", len(p.queue))
	}
}

func TestPublisherQueueFull(t *testing.T) {
	p := NewPublisher(CompressionNone)
	p.Attach(&mockSink{})

	before := util.Stats.PacketsDropped.Load()
	for i := range QueueSize + 3 {
		p.Publish(protocol.RoleGPIO, frameRecord(uint64(i+1), []byte{0}))
	}
	if len(p.queue) != QueueSize {
		t.Errorf("queue length = %d, want %d", len(p.queue), QueueSize)
	}
	if got := util.Stats.PacketsDropped.Load() - before; got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestPublisherSkipsUnchangedFrames(t *testing.T) {
	sink := &mockSink{}
	p := NewPublisher(CompressionLZ4)
	p.Attach(sink)

	frame := blocks(64, 48, 1)
	p.Publish(protocol.RoleDisplay, frameRecord(1, frame))
	p.Publish(protocol.RoleDisplay, frameRecord(2, frame))
	p.Publish(protocol.RoleDisplay, frameRecord(3, blocks(64, 48, 2)))
	for range 3 {
		p.send(<-p.queue)
	}

	var seqs []uint64
	for _, pkt := range sink.take() {
		if pkt.Fragment == 0 {
			seqs = append(seqs, pkt.Sequence)
		}
	}
	if fmt.Sprint(seqs) != "[1 3]" {
		t.Fatalf("sent sequences %v, want [1 3]", seqs)
	}

	// Non-image roles are never deduplicated.
	gpio := protocol.EncodeGPIO([]protocol.GPIOEntry{{Pin: 17, Value: 1}})
	p.Publish(protocol.RoleGPIO, frameRecord(1, gpio))
	p.Publish(protocol.RoleGPIO, frameRecord(2, gpio))
	p.send(<-p.queue)
	p.send(<-p.queue)
	if got := len(sink.take()); got != 2 {
		t.Errorf("gpio packets = %d, want 2", got)
	}
}

func TestPublisherNewViewerGetsFullFrame(t *testing.T) {
	first := &mockSink{}
	p := NewPublisher(CompressionZstd)
	p.Attach(first)

	frame := blocks(32, 32, 0)
	p.Publish(protocol.RoleDisplay, frameRecord(1, frame))
	p.send(<-p.queue)
	if len(first.take()) == 0 {
		t.Fatal("first viewer got nothing")
	}

	p.Detach(first)
	second := &mockSink{}
	p.Attach(second)
	p.Publish(protocol.RoleDisplay, frameRecord(2, frame))
	p.send(<-p.queue)
	if len(second.take()) == 0 {
		t.Fatal("unchanged frame not resent to a new viewer")
	}
}

func TestPublisherDetachIgnoresStaleSink(t *testing.T) {
	first, second := &mockSink{}, &mockSink{}
	p := NewPublisher(CompressionNone)
	p.Attach(first)
	p.Attach(second)
	p.Detach(first)

	if sink, _ := p.current(); sink != second {
		t.Fatal("detaching a replaced sink removed the current one")
	}
}

func TestPublisherShutdownSendsClose(t *testing.T) {
	sink := &mockSink{}
	p := NewPublisher(CompressionNone)
	p.Shutdown() // no viewer: nothing to do

	p.Attach(sink)
	p.Shutdown()

	packets := sink.take()
	if len(packets) != 1 || packets[0].Type != protocol.TypeClose {
		t.Fatalf("packets = %+v, want one close", packets)
	}
	if s, _ := p.current(); s != nil {
		t.Error("sink still attached after Shutdown")
	}
}

func TestViewerReceivesPublishedUpdates(t *testing.T) {
	sink := &mockSink{}
	p := NewPublisher(CompressionNone)
	p.Attach(sink)

	frame := blocks(160, 120, 4) // larger than one fragment
	gpio := protocol.EncodeGPIO([]protocol.GPIOEntry{{Pin: 17, Value: 1}, {Pin: 18, Value: 0}})
	p.Publish(protocol.RoleDisplay, sizedRecord(3, 160, 120, frame))
	p.Publish(protocol.RoleGPIO, frameRecord(8, gpio))
	p.send(<-p.queue)
	p.send(<-p.queue)

	var lines []string
	v := NewViewer(func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	})

	packets := sink.take()
	if len(packets) < 3 {
		t.Fatalf("packets = %d, want a fragmented frame plus gpio", len(packets))
	}
	// Deliver in reverse to exercise reassembly.
	for i := len(packets) - 1; i >= 0; i-- {
		if v.Handle(packets[i]) {
			t.Fatal("update reported as close")
		}
	}

	got, ok := v.Latest(protocol.RoleDisplay)
	if !ok || got.Sequence != 3 || !bytes.Equal(got.Payload, frame) {
		t.Fatalf("display frame = seq %d ok=%v", got.Sequence, ok)
	}
	joined := strings.Join(lines, "\n")
	for _, want := range []string{
		fmt.Sprintf("Display frame 3 bytes=%d 160x120 none", len(frame)),
		"GPIO update [(17,1) (18,0)]",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("log missing %q:\n%s", want, joined)
		}
	}

	p.Shutdown()
	closed := false
	for _, pkt := range sink.take() {
		closed = v.Handle(pkt) || closed
	}
	if !closed {
		t.Error("close packet not recognized")
	}
}

func TestViewerRejectsCorruptUpdate(t *testing.T) {
	update := NewUpdate(frameRecord(1, []byte("abcd")), CompressionNone)
	update.Data = []byte("abce")
	body, err := update.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var lines int
	v := NewViewer(func(string, ...any) { lines++ })
	v.Handle(&protocol.Packet{Type: protocol.TypeUpdate, Role: protocol.RoleCamera, Sequence: 1, Fragments: 1, Payload: body})
	if _, ok := v.Latest(protocol.RoleCamera); ok || lines != 0 {
		t.Fatalf("corrupt update accepted (lines=%d)", lines)
	}
}
