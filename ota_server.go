//go:build tinygo

package main

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/otaloader/config"
	"openenterprise/otaloader/netota"

	"github.com/soypat/lneto/tcp"
)

const (
	otaBufSize     = 4096
	otaReadTimeout = 30 * time.Second
	httpTimeout    = 10 * time.Second
	httpRetries    = 3
)

// Pre-allocated OTA buffers, used by whichever of the server and pull
// loops runs.
var (
	otaRxBuf [otaBufSize]byte
	otaTxBuf [512]byte
	otaChunk [otaBufSize]byte
)

// otaServerLoop accepts push connections on the OTA port, one at a time.
func otaServerLoop(dev *device) {
	logger := dev.logger
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ota:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             otaRxBuf[:],
		TxBuf:             otaTxBuf[:],
		TxPacketQueueSize: 2,
	})
	if err != nil {
		logger.Error("ota:configure-failed", slog.String("err", err.Error()))
		return
	}
	port := config.OTAPort()
	logger.Info("ota:listening", slog.Int("port", int(port)))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if err := dev.stack.ListenTCP(&conn, port); err != nil {
			logger.Error("ota:listen-failed", slog.String("err", err.Error()))
			time.Sleep(netota.RetryDelay)
			continue
		}
		if !waitAccepted(&conn) {
			continue
		}
		logger.Info("ota:connected", slog.String("ip", formatRemoteIP(conn.RemoteAddr())))

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("ota:session-panic")
				}
			}()
			pc := newPollConn(&conn, otaReadTimeout)
			pc.Idle = 10 * time.Millisecond
			if err := netota.ServeConn(context.Background(), pc, dev.coord, otaChunk[:], logger); err != nil {
				logger.Warn("ota:transfer-ended", slog.String("err", err.Error()))
			}
		}()

		closeWait(&conn)
		logger.Info("ota:disconnected")
	}
}

// otaPullLoop fetches the configured image each time a pull is requested.
func otaPullLoop(dev *device) {
	logger := dev.logger
	for range dev.pull {
		addr, path, err := config.ImageURL()
		if err != nil {
			logger.Error("ota:image-url-invalid", slog.String("err", err.Error()))
			continue
		}
		if err := pullOnce(dev, addr.Addr().String(), addr, path); err != nil {
			logger.Error("ota:pull-failed", slog.String("err", err.Error()))
		}
	}
}

func pullOnce(dev *device, host string, addr netip.AddrPort, path string) error {
	logger := dev.logger
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ota:pull-panic")
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             otaRxBuf[:],
		TxBuf:             otaTxBuf[:],
		TxPacketQueueSize: 2,
	}); err != nil {
		return err
	}
	defer func() {
		closeWait(&conn)
		dev.stack.DiscardResolveHardwareAddress6(addr.Addr())
	}()

	lport := uint16(dev.stack.Prand32()>>17) + 1024
	logger.Info("ota:dialing", slog.String("server", addr.String()), slog.String("path", path))
	rstack := dev.stack.StackRetrying(5 * time.Millisecond)
	if err := rstack.DoDialTCP(&conn, lport, addr, httpTimeout, httpRetries); err != nil {
		return err
	}

	pc := newPollConn(&conn, otaReadTimeout)
	pc.Idle = 10 * time.Millisecond
	req := netota.Request{Host: host, Port: addr.Port(), Path: path}
	return netota.Pull(context.Background(), pc, req, dev.coord, otaChunk[:], logger)
}
