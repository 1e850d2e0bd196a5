//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/otaloader/config"

	"github.com/soypat/lneto/tcp"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout = 10 * time.Second
	mqttRetries = 3
	mqttPoll    = 200 * time.Millisecond
	mqttBackoff = 5 * time.Second
	tcpBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
)

// Pre-allocated buffers for memory efficiency
var (
	tcpRxBuf    [tcpBufSize]byte
	tcpTxBuf    [tcpBufSize]byte
	mqttUserBuf [mqttBufSize]byte
)

// MQTT publish flags (QoS0, not retained, not dup)
var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// mqttLoop keeps a control-plane session with the broker, reconnecting
// after any failure.
func mqttLoop(dev *device, bridge *controlBridge, brokerAddr netip.AddrPort) {
	logger := dev.logger
	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("mqtt:panic-recovered")
				}
			}()
			if err := mqttSession(dev, bridge, brokerAddr); err != nil {
				logger.Error("mqtt:session-ended", slog.String("err", err.Error()))
			}
		}()
		time.Sleep(mqttBackoff)
	}
}

func mqttSession(dev *device, bridge *controlBridge, brokerAddr netip.AddrPort) error {
	logger := dev.logger
	stack := dev.stack

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             tcpRxBuf[:],
		TxBuf:             tcpTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeWait(&conn)
		// Discard ARP query to free slot for next connection
		stack.DiscardResolveHardwareAddress6(brokerAddr.Addr())
	}()

	client := mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: mqttUserBuf[:]},
		OnPub:   bridge.onPub,
	})
	var varconn mqtt.VariablesConnect
	clientID := make([]byte, 0, 32)
	clientID = append(clientID, config.ClientID()...)
	clientID = append(clientID, '-')
	clientID = appendHex(clientID, uint16(stack.Prand32()))
	varconn.SetDefaultMQTT(clientID)

	lport := uint16(stack.Prand32()>>17) + 1024
	logger.Info("mqtt:dialing",
		slog.String("broker", brokerAddr.String()),
		slog.String("clientid", string(clientID)),
	)
	rstack := stack.StackRetrying(5 * time.Millisecond)
	if err := rstack.DoDialTCP(&conn, lport, brokerAddr, mqttTimeout, mqttRetries); err != nil {
		return err
	}

	conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := client.StartConnect(&conn, &varconn); err != nil {
		return err
	}
	for retries := 50; retries > 0 && !client.IsConnected(); retries-- {
		time.Sleep(100 * time.Millisecond)
		client.HandleNext()
	}
	if !client.IsConnected() {
		return errors.New("mqtt connect timeout")
	}
	defer client.Disconnect(errors.New("session ended"))
	logger.Info("mqtt:connected")

	conn.SetDeadline(time.Now().Add(mqttTimeout))
	err = client.StartSubscribe(mqtt.VariablesSubscribe{
		TopicFilters: []mqtt.SubscribeRequest{
			{TopicFilter: bridge.cmdTopic, QoS: mqtt.QoS0},
		},
		PacketIdentifier: uint16(stack.Prand32()),
	})
	if err != nil {
		return err
	}
	logger.Info("mqtt:subscribed", slog.String("topic", string(bridge.cmdTopic)))

	for client.IsConnected() {
		conn.SetDeadline(time.Now().Add(mqttPoll))
		// A deadline expiry only means nothing arrived.
		client.HandleNext()

		if out := bridge.takeReply(); out != nil {
			conn.SetDeadline(time.Now().Add(mqttTimeout))
			err := client.PublishPayload(pubFlags, mqtt.VariablesPublish{
				TopicName:        bridge.statusTopic,
				PacketIdentifier: uint16(stack.Prand32()),
			}, out)
			if err != nil {
				return err
			}
			logger.Info("mqtt:published", slog.Int("bytes", len(out)))
		}
	}
	return errors.New("mqtt disconnected")
}

// appendHex appends a uint16 as 4 hex characters to the byte slice
func appendHex(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}
