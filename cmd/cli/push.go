package main

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"openenterprise/otaloader/ble"
	"openenterprise/otaloader/netota"
)

// progress prints a percentage line as bytes go out.
type progress struct {
	w     io.Writer
	total int
	sent  int
	last  int
}

func (p *progress) add(n int) {
	p.sent += n
	pct := p.sent * 100 / max(p.total, 1)
	if pct != p.last || p.sent == p.total {
		p.last = pct
		fmt.Fprintf(p.w, "\r[%3d%%] %d/%d bytes", pct, p.sent, p.total)
	}
	if p.sent == p.total {
		fmt.Fprintln(p.w)
	}
}

func describeImage(w io.Writer, path string, fw []byte) {
	hash := sha256.Sum256(fw)
	fmt.Fprintf(w, "Firmware: %s\n", path)
	fmt.Fprintf(w, "Binary size: %d bytes (%d KB)\n", len(fw), len(fw)/1024)
	fmt.Fprintf(w, "SHA256: %x\n", hash[:8])
}

// otaPush streams fw to the device's OTA port: the "ota" token, the ACK
// reply, then the raw image. Closing the connection ends the image.
func otaPush(addr string, fw []byte, chunk int, w io.Writer) error {
	fmt.Fprintf(w, "Connecting to %s...\n", addr)
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect to OTA port failed: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(netota.Token)); err != nil {
		return err
	}
	ack := make([]byte, len(netota.Ack))
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	if _, err := io.ReadFull(conn, ack); err != nil {
		return fmt.Errorf("no ACK from device (transfer busy?): %w", err)
	}
	if string(ack) != netota.Ack {
		return fmt.Errorf("unexpected response: %q", ack)
	}
	fmt.Fprintln(w, "Device ready")

	// Flash erase can take 400ms+ per 4KB sector
	p := &progress{w: w, total: len(fw), last: -1}
	for off := 0; off < len(fw); off += chunk {
		end := min(off+chunk, len(fw))
		conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		if _, err := conn.Write(fw[off:end]); err != nil {
			return fmt.Errorf("send at %d: %w", off, err)
		}
		p.add(end - off)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	// The device closes once the image is committed.
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	io.Copy(io.Discard, conn)
	fmt.Fprintln(w, "Image sent; device will reboot into the new partition")
	return nil
}

// blePush sends fw over the simulator's emulated BLE link the way a phone
// app does: a control object, the status reply, then MTU sized writes.
func blePush(addr string, fw []byte, mtu uint16, gap time.Duration, w io.Writer) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(ble.ConnectFrame(mtu)); err != nil {
		return err
	}
	defer conn.Write([]byte{ble.FrameDisconnect})

	start := `{"ota":"start","ota size":` + strconv.Itoa(len(fw)) + "}"
	if _, err := conn.Write(ble.AppendFrame(nil, ble.FrameWrite, []byte(start))); err != nil {
		return err
	}
	status, err := readStatus(conn, readTimeout)
	if err != nil {
		return fmt.Errorf("no status after start: %w", err)
	}
	if !bytes.Contains(status, []byte(`"ota":"ready"`)) {
		return fmt.Errorf("device not ready: %s", cleanOutput(string(status)))
	}
	fmt.Fprintln(w, "Device ready")

	payload := ble.UsablePayload(int(mtu))
	if mtu == 0 {
		payload = ble.DefaultPayload
	}
	p := &progress{w: w, total: len(fw), last: -1}
	frame := make([]byte, 0, payload+1)
	for off := 0; off < len(fw); off += payload {
		end := min(off+payload, len(fw))
		frame = ble.AppendFrame(frame[:0], ble.FrameWrite, fw[off:end])
		if _, err := conn.Write(frame); err != nil {
			return fmt.Errorf("send at %d: %w", off, err)
		}
		p.add(end - off)
		time.Sleep(gap)
	}

	final, err := readStatus(conn, 30*time.Second)
	if err != nil {
		return fmt.Errorf("no final status: %w", err)
	}
	fmt.Fprintln(w, cleanOutput(string(final)))
	return nil
}

var errNotNotify = errors.New("unexpected frame from device")

// readStatus collects notifications up to an EOT terminated status object.
func readStatus(conn net.Conn, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, ble.MaxFrame)
	var acc []byte
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return acc, err
		}
		if n == 0 || buf[0] != ble.FrameNotify {
			return acc, errNotNotify
		}
		acc = append(acc, buf[1:n]...)
		if i := bytes.IndexByte(acc, 0x04); i >= 0 {
			return acc[:i+1], nil
		}
	}
}

// discover broadcasts a discovery request and collects the replies.
func discover(target string, timeout time.Duration, w io.Writer) ([]string, error) {
	raddr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if _, err := conn.WriteToUDP([]byte(netota.DiscoveryRequest), raddr); err != nil {
		return nil, err
	}

	var found []string
	buf := make([]byte, 128)
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return found, nil
			}
			return found, err
		}
		ip := string(buf[:n])
		found = append(found, ip)
		fmt.Fprintf(w, "%s (from %s)\n", ip, from)
	}
}
