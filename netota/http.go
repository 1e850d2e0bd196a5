package netota

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"openenterprise/otaloader/ota"
)

// UserAgent sent with pull requests.
const UserAgent = "otaloader/1.0"

var (
	ErrHeaderTooLong = errors.New("netota: http header larger than buffer")
	ErrBadResponse   = errors.New("netota: malformed http response")
	ErrHTTPStatus    = errors.New("netota: http status not ok")
)

// Request names the image an HTTP pull fetches.
type Request struct {
	Host string
	Port uint16
	Path string
}

// AppendGet appends the HTTP/1.0 request line and headers for r.
func AppendGet(dst []byte, r Request) []byte {
	path := r.Path
	if path == "" || path[0] != '/' {
		dst = append(dst, "GET /"...)
	} else {
		dst = append(dst, "GET "...)
	}
	dst = append(dst, path...)
	dst = append(dst, " HTTP/1.0\r\nHost: "...)
	dst = append(dst, r.Host...)
	if r.Port != 0 && r.Port != 80 {
		dst = append(dst, ':')
		dst = strconv.AppendUint(dst, uint64(r.Port), 10)
	}
	dst = append(dst, "\r\nUser-Agent: "...)
	dst = append(dst, UserAgent...)
	dst = append(dst, "\r\n\r\n"...)
	return dst
}

// Pull fetches an image over an established connection to the server:
// arm a stream session, send the request, skip the response header and
// pump the body. The server closing the connection ends the image.
func Pull(ctx context.Context, rw io.ReadWriter, req Request, sink Sink, buf []byte, log *slog.Logger) error {
	if err := sink.BeginStream(); err != nil {
		log.Error("netota:begin-failed", slog.String("err", err.Error()))
		return err
	}
	if _, err := rw.Write(AppendGet(nil, req)); err != nil {
		sink.Feed(ctx, ota.Disconnect())
		return err
	}
	log.Info("netota:get", slog.String("host", req.Host), slog.String("path", req.Path))

	body, err := SkipHeader(rw, buf)
	if err != nil {
		log.Error("netota:header-failed", slog.String("err", err.Error()))
		sink.Feed(ctx, ota.Disconnect())
		return err
	}
	if len(body) > 0 {
		if err := sink.Feed(ctx, ota.NewChunk(body)); err != nil {
			return err
		}
	}
	return Pump(ctx, rw, sink, buf, log)
}

// SkipHeader reads r into buf until the blank line ending the response
// header and returns the body bytes that arrived with it. Only a 200
// status is accepted. The returned slice aliases buf.
func SkipHeader(r io.Reader, buf []byte) ([]byte, error) {
	n := 0
	for {
		if n == len(buf) {
			return nil, ErrHeaderTooLong
		}
		m, err := r.Read(buf[n:])
		n += m
		if end := bytes.Index(buf[:n], []byte("\r\n\r\n")); end >= 0 {
			if serr := checkStatus(buf[:end]); serr != nil {
				return nil, serr
			}
			body := buf[end+4 : n]
			copy(buf, body)
			return buf[:len(body)], nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrBadResponse
			}
			return nil, err
		}
	}
}

func checkStatus(header []byte) error {
	line, _, _ := bytes.Cut(header, []byte("\r\n"))
	proto, rest, ok := bytes.Cut(line, []byte(" "))
	if !ok || !bytes.HasPrefix(proto, []byte("HTTP/1.")) {
		return ErrBadResponse
	}
	code, _, _ := bytes.Cut(rest, []byte(" "))
	if string(code) != "200" {
		return fmt.Errorf("%w: %s", ErrHTTPStatus, code)
	}
	return nil
}
