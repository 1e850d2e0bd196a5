package main

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"openenterprise/otaloader/control"
	"openenterprise/otaloader/ota"

	mqtt "github.com/soypat/natiu-mqtt"
)

const mqttBufSize = 512

// controlBridge carries the control plane over MQTT: payloads published
// to <clientid>/ota/cmd go to the interpreter and its replies are queued
// for <clientid>/ota/status.
type controlBridge struct {
	cmdTopic    []byte
	statusTopic []byte
	in          *control.Interpreter
	logger      *slog.Logger

	rx        [mqttBufSize]byte
	statusDue atomic.Bool

	mu    sync.Mutex
	reply bytes.Buffer
}

func newControlBridge(clientID string, in *control.Interpreter, logger *slog.Logger) *controlBridge {
	return &controlBridge{
		cmdTopic:    []byte(clientID + "/ota/cmd"),
		statusTopic: []byte(clientID + "/ota/status"),
		in:          in,
		logger:      logger,
	}
}

// onPub is the MQTT client's publish callback.
func (b *controlBridge) onPub(_ mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
	if !bytes.Equal(varPub.TopicName, b.cmdTopic) {
		return nil
	}
	n, err := io.ReadFull(r, b.rx[:])
	switch err {
	case nil:
		// Payload may be longer than rx; the rest is dropped.
		if extra, _ := io.Copy(io.Discard, r); extra > 0 {
			b.logger.Warn("mqtt:payload-truncated", slog.Int64("dropped", extra))
		}
	case io.EOF, io.ErrUnexpectedEOF:
	default:
		return err
	}
	b.logger.Info("mqtt:command", slog.Int("bytes", n))

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.in.Process(b.rx[:n], &b.reply); err != nil {
		b.reply.WriteString("Error: " + err.Error() + "\r\n")
	}
	return nil
}

// notify queues a status object; called from the writer task.
func (b *controlBridge) notify(ota.Status) {
	b.statusDue.Store(true)
}

// takeReply returns queued output for the status topic, or nil.
func (b *controlBridge) takeReply() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusDue.Swap(false) {
		b.in.WriteStatus(&b.reply)
	}
	if b.reply.Len() == 0 {
		return nil
	}
	out := bytes.Clone(b.reply.Bytes())
	b.reply.Reset()
	return out
}
