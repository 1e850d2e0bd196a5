package main

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"openenterprise/otaloader/control"
	"openenterprise/otaloader/ota"

	mqtt "github.com/soypat/natiu-mqtt"
)

var discard = slog.New(slog.DiscardHandler)

type fakeHandler struct {
	gate    control.Gate
	results []control.Result
}

func (h *fakeHandler) HandleResult(res control.Result) bool {
	h.results = append(h.results, res)
	return res.Kind != control.StartTransfer
}

func (h *fakeHandler) Gate() control.Gate { return h.gate }

func (h *fakeHandler) Progress() (uint32, uint32) { return 0, 0 }

func newTestBridge(h control.Handler) *controlBridge {
	in := &control.Interpreter{
		Handler:  h,
		Firmware: "fw-test",
		Clock:    func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) },
	}
	return newControlBridge("dev1", in, discard)
}

func publish(t *testing.T, b *controlBridge, topic, payload string) {
	t.Helper()
	err := b.onPub(mqtt.Header{}, mqtt.VariablesPublish{TopicName: []byte(topic)}, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("onPub: %v", err)
	}
}

func TestBridgeTopics(t *testing.T) {
	b := newTestBridge(nil)
	if string(b.cmdTopic) != "dev1/ota/cmd" || string(b.statusTopic) != "dev1/ota/status" {
		t.Errorf("topics = %q %q", b.cmdTopic, b.statusTopic)
	}
}

func TestBridgeIgnoresOtherTopics(t *testing.T) {
	b := newTestBridge(nil)
	publish(t, b, "dev2/ota/cmd", "version")
	if out := b.takeReply(); out != nil {
		t.Errorf("reply = %q, want none", out)
	}
}

func TestBridgeTextCommand(t *testing.T) {
	b := newTestBridge(nil)
	publish(t, b, "dev1/ota/cmd", "version")
	if got := string(b.takeReply()); got != "Firmware: fw-test\r\n" {
		t.Errorf("reply = %q", got)
	}
	if out := b.takeReply(); out != nil {
		t.Errorf("second reply = %q, want none", out)
	}
}

func TestBridgeQueryAnswersStatus(t *testing.T) {
	h := &fakeHandler{gate: control.GateReady}
	b := newTestBridge(h)
	publish(t, b, "dev1/ota/cmd", `{"ota":"query"}`)
	got := string(b.takeReply())
	if !strings.Contains(got, `"ota":"ready"`) || !strings.Contains(got, "2025-03-04 05:06:07") {
		t.Errorf("reply = %q", got)
	}
	if len(h.results) != 1 {
		t.Errorf("handler saw %d results", len(h.results))
	}
}

func TestBridgeSplitObject(t *testing.T) {
	h := &fakeHandler{}
	b := newTestBridge(h)
	publish(t, b, "dev1/ota/cmd", `{"ota":"start",`)
	if out := b.takeReply(); out != nil {
		t.Errorf("reply mid object = %q", out)
	}
	publish(t, b, "dev1/ota/cmd", `"ota size":4096}`)
	if len(h.results) != 1 || h.results[0].Kind != control.StartTransfer {
		t.Fatalf("results = %+v", h.results)
	}
	// A start is answered once the writer opens.
	if out := b.takeReply(); out != nil {
		t.Errorf("reply = %q, want none before notify", out)
	}
	b.notify(ota.Status{})
	if got := string(b.takeReply()); !strings.Contains(got, `"firmware":"fw-test"`) {
		t.Errorf("status = %q", got)
	}
}

func TestBridgeTruncatesLongPayload(t *testing.T) {
	b := newTestBridge(nil)
	publish(t, b, "dev1/ota/cmd", "x"+strings.Repeat("z", mqttBufSize+100))
	got := string(b.takeReply())
	if !strings.HasPrefix(got, "Unknown command: x") {
		t.Errorf("reply = %q", got)
	}
	if strings.Count(got, "z") != mqttBufSize-1 {
		t.Errorf("command not cut to the receive buffer")
	}
}
