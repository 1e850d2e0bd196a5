package ble

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"openenterprise/otaloader/control"
	"openenterprise/otaloader/ota"
	"openenterprise/otaloader/partition"
)

// TestTransferOverLink drives a full update the way a phone app does: a
// control object, the status reply, then the image in 20 byte writes.
func TestTransferOverLink(t *testing.T) {
	flash := partition.NewMemFlash(0x40000)
	slot := partition.Slot{Index: partition.PartitionB, Offset: 0x10000, Size: 0x20000}
	restarted := make(chan struct{}, 1)
	sess := ota.NewSession(partition.NewWriter(flash, flash, slot, nil), ota.Config{
		RestartDelay: time.Millisecond,
		Restart:      func() { restarted <- struct{}{} },
	})

	n := &fakeNotifier{}
	coord := ota.NewCoordinator(sess, ota.CoordinatorConfig{})
	a := NewAdapter(n, coord, testConfig())
	in := &control.Interpreter{Handler: coord, Firmware: "test"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)
	go a.Run(ctx, in)

	a.OnConnect()
	a.OnMTU(23)

	img := bytes.Repeat([]byte("firmware-image-"), 700)
	a.OnWrite([]byte(`{"ota":"start",`))
	a.OnWrite([]byte(`"ota size":` + itoa(len(img)) + "}\x04"))

	deadline := time.Now().Add(2 * time.Second)
	for !coord.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("transfer never became ready")
		}
		time.Sleep(time.Millisecond)
	}
	for off := 0; off < len(img); off += 20 {
		a.OnWrite(img[off:min(off+20, len(img))])
	}

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatalf("no restart, session %+v err %v", sess.Status(), sess.Err())
	}
	if !bytes.Equal(flash.Read(slot.Offset, len(img)), img) {
		t.Error("flash contents differ from image")
	}
	if got, ok := flash.BootSlot(); !ok || got != slot {
		t.Errorf("boot slot = %+v, %v", got, ok)
	}

	// Commands go to the interpreter again once the session has ended.
	a.OnWrite([]byte("version"))
	deadline = time.Now().Add(2 * time.Second)
	for {
		n.mu.Lock()
		out := string(bytes.Join(n.sent, nil))
		n.mu.Unlock()
		if strings.Contains(out, "Firmware: test") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no version reply, got %q", out)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestWritesStayOutOfStreamImage runs a TCP style stream session while
// the BLE link is busy. Link traffic must reach neither the image nor the
// session's end of stream.
func TestWritesStayOutOfStreamImage(t *testing.T) {
	flash := partition.NewMemFlash(0x40000)
	slot := partition.Slot{Index: partition.PartitionB, Offset: 0x10000, Size: 0x20000}
	restarted := make(chan struct{}, 1)
	sess := ota.NewSession(partition.NewWriter(flash, flash, slot, nil), ota.Config{
		MaxSize:      slot.Size,
		RestartDelay: time.Millisecond,
		Restart:      func() { restarted <- struct{}{} },
	})
	n := &fakeNotifier{}
	coord := ota.NewCoordinator(sess, ota.CoordinatorConfig{})
	a := NewAdapter(n, coord, testConfig())
	in := &control.Interpreter{Handler: coord, Firmware: "test"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)
	go a.Run(ctx, in)
	a.OnConnect()

	if err := coord.BeginStream(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !coord.Writing() {
		if time.Now().After(deadline) {
			t.Fatal("stream session never opened")
		}
		time.Sleep(time.Millisecond)
	}
	if coord.Ready() {
		t.Error("link gate open for a stream session")
	}

	if err := coord.Feed(ctx, ota.NewChunk([]byte("IMAGE-PART-1|"))); err != nil {
		t.Fatal(err)
	}
	a.OnWrite([]byte("status"))
	deadline = time.Now().Add(2 * time.Second)
	for {
		n.mu.Lock()
		out := string(bytes.Join(n.sent, nil))
		n.mu.Unlock()
		if strings.Contains(out, `"firmware":"test"`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no status reply on the link, got %q", out)
		}
		time.Sleep(time.Millisecond)
	}
	a.OnDisconnect()
	if st := sess.State(); st != ota.Writing {
		t.Fatalf("link disconnect moved the stream session to %v", st)
	}

	if err := coord.Feed(ctx, ota.NewChunk([]byte("|IMAGE-PART-2"))); err != nil {
		t.Fatal(err)
	}
	if err := coord.Feed(ctx, ota.Disconnect()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatalf("no restart, session %+v err %v", sess.Status(), sess.Err())
	}
	want := "IMAGE-PART-1||IMAGE-PART-2"
	if got := string(flash.Read(slot.Offset, len(want))); got != want {
		t.Errorf("committed image = %q, want %q", got, want)
	}
	if st := sess.Status(); st.Written != uint32(len(want)) {
		t.Errorf("written = %d, want %d", st.Written, len(want))
	}
}

func itoa(n int) string {
	var buf [20]byte
	i := len(buf)
	for {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			return string(buf[i:])
		}
	}
}
