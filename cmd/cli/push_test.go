package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"openenterprise/otaloader/ble"
	"openenterprise/otaloader/control"
	"openenterprise/otaloader/netota"
	"openenterprise/otaloader/ota"
	"openenterprise/otaloader/partition"
)

// device is an in-process transfer engine over memory flash.
type device struct {
	flash     *partition.MemFlash
	slot      partition.Slot
	coord     *ota.Coordinator
	restarted chan struct{}
	onStatus  func(ota.Status)
}

func newDevice(t *testing.T) *device {
	t.Helper()
	d := &device{
		flash:     partition.NewMemFlash(0x80000),
		slot:      partition.Slot{Index: partition.PartitionB, Offset: 0x10000, Size: 0x60000},
		restarted: make(chan struct{}, 1),
	}
	sess := ota.NewSession(partition.NewWriter(d.flash, d.flash, d.slot, nil), ota.Config{
		MaxSize:      d.slot.Size,
		RestartDelay: time.Millisecond,
		Restart:      func() { d.restarted <- struct{}{} },
	})
	d.coord = ota.NewCoordinator(sess, ota.CoordinatorConfig{
		OnStatus: func(st ota.Status) {
			if d.onStatus != nil {
				d.onStatus(st)
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.coord.Run(ctx)
	return d
}

func (d *device) waitImage(t *testing.T, want []byte) {
	t.Helper()
	select {
	case <-d.restarted:
	case <-time.After(5 * time.Second):
		st := d.coord.Session().Status()
		t.Fatalf("no restart, session %+v err %v", st, d.coord.Session().Err())
	}
	if got := d.flash.Read(d.slot.Offset, len(want)); !bytes.Equal(got, want) {
		t.Error("flash contents differ from image")
	}
}

func testFirmware(n int) []byte {
	fw := make([]byte, n)
	for i := range fw {
		fw[i] = byte(i % 251)
	}
	return fw
}

func TestOTAPush(t *testing.T) {
	d := newDevice(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go netota.Listen(ctx, ln, netota.Handler(d.coord, discardLog), discardLog)

	fw := testFirmware(50000)
	var out bytes.Buffer
	if err := otaPush(ln.Addr().String(), fw, otaChunkSize, &out); err != nil {
		t.Fatalf("otaPush: %v", err)
	}
	d.waitImage(t, fw)
	if !strings.Contains(out.String(), "[100%] 50000/50000 bytes") {
		t.Errorf("progress output = %q", out.String())
	}
}

func TestOTAPushBadAck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.ReadFull(conn, make([]byte, 3))
		conn.Write([]byte("NAK!"))
	}()
	if err := otaPush(ln.Addr().String(), []byte("fw"), otaChunkSize, io.Discard); err == nil {
		t.Error("push succeeded without an ACK")
	}
}

func TestBLEPush(t *testing.T) {
	d := newDevice(t)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	emu := ble.NewEmulator(pc, d.coord, ble.Config{})
	in := control.NewLocked(&control.Interpreter{
		Parser:   control.Parser{MaxSize: int64(d.slot.Size)},
		Handler:  d.coord,
		Firmware: "test",
	})
	d.onStatus = func(ota.Status) { in.WriteStatus(emu.Adapter()) }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go emu.Serve(ctx)
	go emu.Adapter().Run(ctx, in)

	fw := testFirmware(5000)
	var out bytes.Buffer
	if err := blePush(pc.LocalAddr().String(), fw, 247, 200*time.Microsecond, &out); err != nil {
		t.Fatalf("blePush: %v\n%s", err, out.String())
	}
	d.waitImage(t, fw)
	if !strings.Contains(out.String(), `"firmware":"test"`) {
		t.Errorf("final status missing: %q", out.String())
	}
}

func TestDiscover(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &netota.Discovery{Addr: func() string { return "192.168.1.99" }}
	go d.Serve(ctx, pc)

	var out bytes.Buffer
	found, err := discover(pc.LocalAddr().String(), 300*time.Millisecond, &out)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(found) != 1 || found[0] != "192.168.1.99" {
		t.Errorf("found = %q", found)
	}
}

func TestProgress(t *testing.T) {
	var out bytes.Buffer
	p := &progress{w: &out, total: 1000, last: -1}
	p.add(1)
	p.add(1) // still 0%
	p.add(998)
	if got := out.String(); got != "\r[  0%] 1/1000 bytes\r[100%] 1000/1000 bytes\n" {
		t.Errorf("output = %q", got)
	}
}
