package ble

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"openenterprise/otaloader/ota"
)

type fakeNotifier struct {
	mu      sync.Mutex
	sent    [][]byte
	noMem   int // fail this many calls with ErrNoMem first
	calls   int
	failErr error
}

func (n *fakeNotifier) Notify(p []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.noMem > 0 {
		n.noMem--
		return ErrNoMem
	}
	if n.failErr != nil {
		return n.failErr
	}
	n.sent = append(n.sent, append([]byte(nil), p...))
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	ready  bool
	full   bool
	chunks []ota.Chunk
}

func (s *fakeSink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSink) Offer(c ota.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.chunks = append(s.chunks, c)
	return true
}

func testConfig() Config {
	return Config{Backoff: time.Microsecond, QueueWait: time.Millisecond}
}

func TestUsablePayload(t *testing.T) {
	tests := []struct{ mtu, want int }{
		{20, 18},
		{19, 17},
		{23, 19},
		{21, 17},
		{185, 181},
		{247, 243},
	}
	for _, tc := range tests {
		if got := UsablePayload(tc.mtu); got != tc.want {
			t.Errorf("UsablePayload(%d) = %d, want %d", tc.mtu, got, tc.want)
		}
	}
}

func TestWriteSplitsByPayload(t *testing.T) {
	n := &fakeNotifier{}
	a := NewAdapter(n, &fakeSink{}, testConfig())
	a.OnConnect()
	if a.Payload() != DefaultPayload {
		t.Fatalf("payload = %d, want default", a.Payload())
	}
	msg := bytes.Repeat([]byte("0123456789"), 5)
	if got, err := a.Write(msg); err != nil || got != len(msg) {
		t.Fatalf("Write = %d, %v", got, err)
	}
	if len(n.sent) != 3 || len(n.sent[0]) != 18 || len(n.sent[2]) != 14 {
		t.Errorf("segments = %d", len(n.sent))
	}
	if !bytes.Equal(bytes.Join(n.sent, nil), msg) {
		t.Error("reassembled notifications differ")
	}

	n.sent = nil
	a.OnMTU(247)
	a.Write(msg)
	if len(n.sent) != 1 {
		t.Errorf("segments after MTU exchange = %d, want 1", len(n.sent))
	}
}

func TestOnWriteLenRaisesPayload(t *testing.T) {
	a := NewAdapter(&fakeNotifier{}, &fakeSink{}, testConfig())
	a.OnConnect()
	tests := []struct {
		n    int
		want int
	}{
		{10, DefaultPayload}, // proves nothing new
		{20, 19},
		{244, 243},
		{100, 243}, // never lowered
	}
	for _, tc := range tests {
		a.OnWriteLen(tc.n)
		if got := a.Payload(); got != tc.want {
			t.Errorf("after %d byte write payload = %d, want %d", tc.n, got, tc.want)
		}
	}
	a.OnConnect()
	if a.Payload() != DefaultPayload {
		t.Errorf("payload after reconnect = %d, want %d", a.Payload(), DefaultPayload)
	}
}

func TestWriteRetriesNoMem(t *testing.T) {
	n := &fakeNotifier{noMem: NotifyRetries}
	a := NewAdapter(n, &fakeSink{}, testConfig())
	a.OnConnect()
	if _, err := a.Write([]byte("hi")); err != nil {
		t.Fatalf("Write after %d ENOMEM = %v", NotifyRetries, err)
	}

	n = &fakeNotifier{noMem: NotifyRetries + 1}
	a = NewAdapter(n, &fakeSink{}, testConfig())
	a.OnConnect()
	if _, err := a.Write([]byte("hi")); !errors.Is(err, ErrNoMem) {
		t.Errorf("Write = %v, want %v", err, ErrNoMem)
	}
	if n.calls != NotifyRetries+1 {
		t.Errorf("notify calls = %d, want %d", n.calls, NotifyRetries+1)
	}
}

func TestWriteOtherErrorNotRetried(t *testing.T) {
	boom := errors.New("boom")
	n := &fakeNotifier{failErr: boom}
	a := NewAdapter(n, &fakeSink{}, testConfig())
	a.OnConnect()
	if _, err := a.Write([]byte("x")); !errors.Is(err, boom) || n.calls != 1 {
		t.Errorf("err=%v calls=%d", err, n.calls)
	}
}

func TestWriteDisconnected(t *testing.T) {
	a := NewAdapter(&fakeNotifier{}, &fakeSink{}, testConfig())
	if _, err := a.Write([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write = %v, want %v", err, ErrNotConnected)
	}
}

func TestOnWriteRoutesToSinkWhenReady(t *testing.T) {
	sink := &fakeSink{ready: true}
	a := NewAdapter(&fakeNotifier{}, sink, testConfig())
	big := bytes.Repeat([]byte{0xAB}, 3*SlotSize+10)
	a.OnWrite(big)
	if len(sink.chunks) != 1 || sink.chunks[0].Len != len(big) {
		t.Fatalf("chunks = %d, want the whole payload in one", len(sink.chunks))
	}
	big[0] = 0
	if sink.chunks[0].Data[0] != 0xAB {
		t.Error("chunk aliases the radio buffer")
	}
	select {
	case <-a.cmds:
		t.Error("firmware bytes reached the command queue")
	default:
	}
}

func TestOnWriteSplitsCommands(t *testing.T) {
	a := NewAdapter(&fakeNotifier{}, &fakeSink{}, testConfig())
	a.OnWrite(bytes.Repeat([]byte{'a'}, SlotSize+100))
	if got := len(a.cmds); got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}
	if m := <-a.cmds; len(m) != SlotSize {
		t.Errorf("first message = %d bytes", len(m))
	}
	if m := <-a.cmds; len(m) != 100 {
		t.Errorf("second message = %d bytes", len(m))
	}
}

func TestOnWriteDropsWhenQueueFull(t *testing.T) {
	a := NewAdapter(&fakeNotifier{}, &fakeSink{}, testConfig())
	for i := 0; i < QueueDepth+2; i++ {
		a.OnWrite([]byte("status"))
	}
	if got := len(a.cmds); got != QueueDepth {
		t.Errorf("queued = %d, want %d", got, QueueDepth)
	}
}

func TestDisconnectSendsSentinelOnlyWhenReady(t *testing.T) {
	sink := &fakeSink{}
	a := NewAdapter(&fakeNotifier{}, sink, testConfig())
	a.OnConnect()
	a.OnDisconnect()
	if len(sink.chunks) != 0 {
		t.Fatal("sentinel sent with no transfer")
	}
	sink.ready = true
	a.OnConnect()
	a.OnDisconnect()
	if len(sink.chunks) != 1 || !sink.chunks[0].Sentinel() {
		t.Errorf("chunks = %+v, want one sentinel", sink.chunks)
	}
}

type echoProcessor struct{}

func (echoProcessor) Process(msg []byte, w io.Writer) error {
	_, err := w.Write(append([]byte("echo:"), msg...))
	return err
}

func TestRunRepliesOverLink(t *testing.T) {
	n := &fakeNotifier{}
	a := NewAdapter(n, &fakeSink{}, testConfig())
	a.OnConnect()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- a.Run(ctx, echoProcessor{}) }()

	a.OnWrite([]byte("ping"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		n.mu.Lock()
		got := string(bytes.Join(n.sent, nil))
		n.mu.Unlock()
		if got == "echo:ping" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reply = %q", got)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}
}
