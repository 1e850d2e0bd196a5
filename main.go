//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"context"
	"log/slog"
	"machine"
	"net/netip"
	"runtime"
	"time"

	"openenterprise/otaloader/ble"
	"openenterprise/otaloader/config"
	"openenterprise/otaloader/control"
	"openenterprise/otaloader/credentials"
	"openenterprise/otaloader/logmux"
	"openenterprise/otaloader/ota"
	"openenterprise/otaloader/partition"
	"openenterprise/otaloader/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"
)

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

var startTime time.Time

// device is the state shared by the network tasks.
type device struct {
	stack   *xnet.StackAsync
	coord   *ota.Coordinator
	boot    *partition.Boot
	running int
	target  partition.Slot
	mirror  *logmux.Mirror
	pull    chan struct{}
	link    *ble.Adapter
	bleIn   *control.Locked
	logger  *slog.Logger
}

// fatalError waits for the watchdog to reset the device, with a software
// reset fallback.
func fatalError(msg string) {
	println(msg)
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("Watchdog timeout - forcing software reset...")
	partition.Reboot()
	for {
		time.Sleep(time.Second)
	}
}

func main() {
	// Confirm the partition before anything else: the bootrom reverts a
	// trial image that is not confirmed within 16.7s.
	confirmCode, confirmErr := partition.ConfirmBoot()
	startTime = time.Now()

	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  Openenterprise OTA loader")
	println("  Version:", version.String())
	println("  Built:  ", version.BuildDate)
	println("========================================")

	mirror := logmux.NewMirror(logmux.DefaultDepth, slog.LevelInfo)
	logger := slog.New(logmux.NewHandler(machine.Serial, mirror, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	// The cywnet library logs "packet dropped" at ERROR level which is
	// normal for WiFi, so the network stack gets a muted logger.
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	running := partition.Running()
	target := partition.Spare(running)
	if confirmErr != nil {
		logger.Error("boot:confirm-failed", slog.Int("code", confirmCode))
	}
	logger.Info("boot:partition",
		slog.String("running", partition.SlotFor(running).String()),
		slog.String("target", target.String()),
	)

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	brokerAddr, err := config.BrokerAddr()
	if err != nil {
		logger.Error("config:broker-invalid", slog.String("err", err.Error()))
		fatalError("Invalid broker address - waiting for reset...")
	}

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    config.DeviceName(),
			MaxTCPPorts: 3, // console + OTA + MQTT
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}
	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	boot := &partition.Boot{Shutdown: func() {
		logger.Info("ota:wifi-shutdown")
		time.Sleep(100 * time.Millisecond) // let pending packets drain
	}}
	writer := partition.NewWriter(partition.ROMFlash{}, boot, target, logger)
	writer.Yield = func() {
		machine.Watchdog.Update()
		runtime.Gosched()
	}
	sess := ota.NewSession(writer, ota.Config{
		RestartDelay: config.RestartDelay(),
		Restart: func() {
			if err := boot.Restart(); err != nil {
				logger.Error("ota:reboot-failed", slog.String("err", err.Error()))
			}
		},
		Logger: logger,
	})

	dev := &device{
		stack:   cystack.LnetoStack(),
		boot:    boot,
		running: running,
		target:  target,
		mirror:  mirror,
		logger:  logger,
	}
	var bridge *controlBridge
	dev.coord = ota.NewCoordinator(sess, ota.CoordinatorConfig{
		OnStatus: func(st ota.Status) {
			bridge.notify(st)
			dev.notifyLink()
		},
		Logger: logger,
	})
	bridge = newControlBridge(config.ClientID(), dev.newInterpreter(), logger)

	transport, err := config.OTATransport()
	if err != nil {
		logger.Warn("config:transport-invalid", slog.String("err", err.Error()))
	}
	if transport == config.TransportHTTP {
		dev.pull = make(chan struct{}, 1)
		dev.pull <- struct{}{} // pull once at boot
	}

	ctx := context.Background()
	if err := startBLE(ctx, dev); err != nil {
		logger.Error("ble:setup-failed", slog.String("err", err.Error()))
	}
	// TODO: answer discovery requests on config.DiscoveryPort once xnet
	// exposes a UDP endpoint; otasim serves them meanwhile.
	go mirror.Run(ctx)
	go consoleServer(dev)
	go mqttLoop(dev, bridge, brokerAddr)
	if dev.pull != nil {
		go otaPullLoop(dev)
	} else {
		go otaServerLoop(dev)
	}
	logger.Info("init:complete", slog.String("transport", string(transport)))

	// The writer task runs here; it only returns if ctx ends.
	if err := dev.coord.Run(ctx); err != nil {
		logger.Error("ota:writer-stopped", slog.String("err", err.Error()))
	}
}

func (d *device) newInterpreter() *control.Interpreter {
	return &control.Interpreter{
		Handler:  d.coord,
		Firmware: version.String(),
		SetClock: setClock,
		Reboot: func() {
			time.Sleep(100 * time.Millisecond)
			partition.Reboot()
		},
		Logger: d.logger,
	}
}

func setClock(t time.Time) {
	runtime.AdjustTimeOffset(int64(t.Sub(time.Now())))
}

// loopForeverStack processes network packets in the background
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		// Update watchdog every ~100 iterations (~500ms)
		count++
		if count >= 100 {
			machine.Watchdog.Update()
			count = 0
		}
	}
}
