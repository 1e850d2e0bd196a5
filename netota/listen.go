package netota

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// Server defaults.
const (
	DefaultPort = 12222
	RetryDelay  = time.Second
	RecvBufSize = 2048
)

// Listen accepts connections on ln and runs handle for each, one at a
// time. Transient accept errors are retried after a fixed delay.
func Listen(ctx context.Context, ln net.Listener, handle func(context.Context, net.Conn), log *slog.Logger) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Info("netota:listening", slog.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			log.Error("netota:accept-failed", slog.String("err", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(RetryDelay):
			}
			continue
		}
		log.Info("netota:client", slog.String("remote", conn.RemoteAddr().String()))
		serveOne(ctx, conn, handle, log)
	}
}

func serveOne(ctx context.Context, conn net.Conn, handle func(context.Context, net.Conn), log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("netota:handler-panic", slog.Any("panic", r))
		}
		conn.Close()
		log.Info("netota:client-closed")
	}()
	handle(ctx, conn)
}

// Handler returns a connection handler running the push protocol into sink.
func Handler(sink Sink, log *slog.Logger) func(context.Context, net.Conn) {
	buf := make([]byte, RecvBufSize)
	return func(ctx context.Context, conn net.Conn) {
		if err := ServeConn(ctx, conn, sink, buf, log); err != nil {
			log.Warn("netota:transfer-ended", slog.String("err", err.Error()))
		}
	}
}
