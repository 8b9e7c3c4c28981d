package rfid

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
)

type fakeRead struct {
	data string
	err  error
}

type fakePort struct {
	mu     sync.Mutex
	reads  []fakeRead
	resets int
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reads) == 0 {
		return 0, io.EOF
	}
	r := p.reads[0]
	p.reads = p.reads[1:]
	if r.err != nil {
		return 0, r.err
	}
	return copy(b, r.data), nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func newTestSerial(t *testing.T, ports ...*fakePort) *Serial {
	t.Helper()
	opened := 0
	s := &Serial{
		logger: testLogger(),
		cfg:    Config{SerialPort: "/dev/ttyFAKE", SerialBaud: 9600},
		open: func(name string, baud int) (serialPort, error) {
			if opened >= len(ports) {
				return nil, errors.New("no such device")
			}
			p := ports[opened]
			opened++
			return p, nil
		},
	}
	if err := s.connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestSerialReadsLines(t *testing.T) {
	port := &fakePort{reads: []fakeRead{
		{data: "TAG"},
		{data: "-01\r\n"},
		{},
		{data: "\r\nTAG-02\nTAG-03\n"},
	}}
	s := newTestSerial(t, port)

	for _, want := range []string{"TAG-01", "TAG-02", "TAG-03"} {
		got, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
}

func TestSerialDropsUndecodableFrames(t *testing.T) {
	port := &fakePort{reads: []fakeRead{
		{data: "\x01\xfe\xff\n"},
		{data: "GOOD\n"},
	}}
	s := newTestSerial(t, port)

	got, err := s.Next(context.Background())
	if err != nil || got != "GOOD" {
		t.Fatalf("Next = %q, %v", got, err)
	}
	if port.resets == 0 {
		t.Fatal("decode error did not reset input buffer")
	}
}

func TestSerialTransientErrorsThenConnectionLost(t *testing.T) {
	transient := errors.New("framing error")
	port := &fakePort{reads: []fakeRead{
		{err: transient},
		{data: "AFTER\n"},
	}}
	s := newTestSerial(t, port)
	got, err := s.Next(context.Background())
	if err != nil || got != "AFTER" {
		t.Fatalf("Next = %q, %v", got, err)
	}

	var reads []fakeRead
	for i := 0; i < serialMaxReadErrors; i++ {
		reads = append(reads, fakeRead{err: transient})
	}
	port.reads = reads
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
}

func TestSerialEOFIsConnectionLost(t *testing.T) {
	s := newTestSerial(t, &fakePort{})
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
}

func TestSerialReconnectOpensNewPort(t *testing.T) {
	first := &fakePort{}
	second := &fakePort{reads: []fakeRead{{data: "AGAIN\n"}}}
	s := newTestSerial(t, first, second)

	if err := s.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if !first.closed {
		t.Fatal("old port not closed")
	}
	got, err := s.Next(context.Background())
	if err != nil || got != "AGAIN" {
		t.Fatalf("Next = %q, %v", got, err)
	}

	if err := s.Reconnect(context.Background()); err == nil {
		t.Fatal("expected reconnect failure when no device is left")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
