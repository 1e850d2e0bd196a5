// Package netota carries firmware images over stream sockets: the raw
// TCP push protocol, the HTTP pull variant and the UDP discovery reply.
// Only the handshake differs between the two stream protocols; the body
// is pumped into the transfer engine the same way.
package netota

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"openenterprise/otaloader/ota"
)

// Push protocol tokens.
const (
	Token = "ota"
	Ack   = "ACK\x00"
)

// Errors
var (
	ErrBadToken = errors.New("netota: bad handshake token")
)

// Sink is the transfer side of a stream connection.
type Sink interface {
	BeginStream() error
	Feed(ctx context.Context, c ota.Chunk) error
}

// ServeConn runs the push protocol on one accepted connection: read the
// token, arm a stream session, acknowledge, then pump the image until the
// peer closes. buf is the receive buffer.
func ServeConn(ctx context.Context, rw io.ReadWriter, sink Sink, buf []byte, log *slog.Logger) error {
	var tok [len(Token)]byte
	if _, err := io.ReadFull(rw, tok[:]); err != nil {
		log.Error("netota:no-token", slog.String("err", err.Error()))
		return err
	}
	if !bytes.Equal(tok[:], []byte(Token)) {
		log.Error("netota:bad-token", slog.String("got", string(tok[:])))
		return ErrBadToken
	}
	if err := sink.BeginStream(); err != nil {
		log.Error("netota:begin-failed", slog.String("err", err.Error()))
		return err
	}
	if _, err := rw.Write([]byte(Ack)); err != nil {
		sink.Feed(ctx, ota.Disconnect())
		return err
	}
	log.Info("netota:acked")
	return Pump(ctx, rw, sink, buf, log)
}

// Pump feeds everything read from r to sink. End of stream, a zero length
// read or a read error ends the image with the disconnect sentinel; the
// session decides whether what arrived is complete.
func Pump(ctx context.Context, r io.Reader, sink Sink, buf []byte, log *slog.Logger) error {
	var total int
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += n
			if ferr := sink.Feed(ctx, ota.NewChunk(buf[:n])); ferr != nil {
				return ferr
			}
		}
		if err == nil && n > 0 {
			continue
		}
		if ferr := sink.Feed(ctx, ota.Disconnect()); ferr != nil {
			return ferr
		}
		if err == nil || errors.Is(err, io.EOF) {
			log.Info("netota:end-of-image", slog.Int("bytes", total))
			return nil
		}
		log.Error("netota:read-failed", slog.String("err", err.Error()), slog.Int("bytes", total))
		return err
	}
}
