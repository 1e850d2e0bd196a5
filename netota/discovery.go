package netota

import (
	"context"
	"errors"
	"log/slog"
	"net"
)

// Discovery defaults.
const (
	DiscoveryPort    = 13333
	DiscoveryRequest = "REQUEST IP"
	discoveryBufSize = 128
)

// Discovery answers broadcast address requests so a host tool can find
// the device without knowing its DHCP lease.
type Discovery struct {
	// Addr returns the address to report, usually the current lease.
	Addr   func() string
	Logger *slog.Logger
}

// Reply returns the answer for one datagram, or false when the datagram
// is not a discovery request.
func (d *Discovery) Reply(req []byte) ([]byte, bool) {
	if string(req) != DiscoveryRequest {
		d.log().Warn("discovery:unexpected", slog.Int("len", len(req)), slog.String("payload", printable(req)))
		return nil, false
	}
	return []byte(d.Addr()), true
}

// Serve answers requests arriving on pc until ctx is done or pc fails.
// Replies are best effort.
func (d *Discovery) Serve(ctx context.Context, pc net.PacketConn) error {
	log := d.log()
	go func() {
		<-ctx.Done()
		pc.Close()
	}()
	buf := make([]byte, discoveryBufSize)
	log.Info("discovery:listening", slog.String("addr", pc.LocalAddr().String()))
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return err
		}
		log.Info("discovery:request", slog.String("from", from.String()))
		resp, ok := d.Reply(buf[:n])
		if !ok {
			continue
		}
		if _, err := pc.WriteTo(resp, from); err != nil {
			log.Warn("discovery:reply-failed", slog.String("err", err.Error()))
			continue
		}
		log.Info("discovery:replied", slog.String("addr", string(resp)))
	}
}

func (d *Discovery) log() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

func printable(p []byte) string {
	if len(p) > 32 {
		p = p[:32]
	}
	out := make([]byte, len(p))
	for i, c := range p {
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		out[i] = c
	}
	return string(out)
}
