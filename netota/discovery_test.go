package netota

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestDiscoveryReply(t *testing.T) {
	d := &Discovery{Addr: func() string { return "192.168.4.17" }}
	tests := []struct {
		req    string
		want   string
		wantOK bool
	}{
		{"REQUEST IP", "192.168.4.17", true},
		{"REQUEST IP\n", "", false},
		{"request ip", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, ok := d.Reply([]byte(tc.req))
		if ok != tc.wantOK || string(got) != tc.want {
			t.Errorf("Reply(%q) = %q, %v, want %q, %v", tc.req, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestDiscoveryServe(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skip("no loopback:", err)
	}
	d := &Discovery{Addr: func() string { return "10.1.2.3" }, Logger: discard}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, pc) }()

	c, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.Write([]byte("hello"))
	c.Write([]byte(DiscoveryRequest))
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "10.1.2.3" {
		t.Errorf("reply = %q", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v", err)
	}
}

func TestPrintable(t *testing.T) {
	if got := printable([]byte("ok\x00\xff")); got != "ok.." {
		t.Errorf("printable = %q", got)
	}
}
