package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"openenterprise/otaloader/ble"
	"openenterprise/otaloader/config"
	"openenterprise/otaloader/console"
	"openenterprise/otaloader/control"
	"openenterprise/otaloader/logmux"
	"openenterprise/otaloader/netota"
	"openenterprise/otaloader/ota"
	"openenterprise/otaloader/partition"
)

const (
	authTimeout = 10 * time.Second
	dialTimeout = 10 * time.Second
	pullBufSize = 4096
)

// simulator runs the transfer engine on a host with flash held in memory.
type simulator struct {
	cfg     Config
	log     *slog.Logger
	mirror  *logmux.Mirror
	flash   *partition.MemFlash
	running partition.Slot
	target  partition.Slot
	sess    *ota.Session
	coord   *ota.Coordinator
	bleIn   *control.Locked
	link    *ble.Adapter
	pull    chan struct{}
	lock    console.Lockout
	started time.Time

	// addrs holds the bound address of each listening transport.
	addrs map[string]net.Addr

	restarts atomic.Int32
	// restarted, if set, receives the image after each simulated reboot.
	restarted chan []byte
}

func newSimulator(cfg Config, log *slog.Logger, mirror *logmux.Mirror) (*simulator, error) {
	running, err := cfg.RunningSlot()
	if err != nil {
		return nil, err
	}
	target := partition.Spare(running.Index)
	s := &simulator{
		cfg:     cfg,
		log:     log,
		mirror:  mirror,
		flash:   partition.NewMemFlash(int(partition.PartitionBOffset + partition.PartitionMaxSize)),
		running: running,
		target:  target,
		started: time.Now(),
		addrs:   make(map[string]net.Addr),
	}
	s.sess = ota.NewSession(partition.NewWriter(s.flash, s.flash, target, log), ota.Config{
		MaxSize:      cfg.MaxSize,
		RestartDelay: cfg.RestartDelay.Duration,
		Restart:      s.restart,
		Logger:       log,
	})
	s.coord = ota.NewCoordinator(s.sess, ota.CoordinatorConfig{
		OnStatus: s.onStatus,
		Logger:   log,
	})
	s.bleIn = control.NewLocked(s.newInterpreter())
	if cfg.PullURL != "" {
		if _, _, err := config.ParseImageURL(cfg.PullURL); err != nil {
			return nil, err
		}
		s.pull = make(chan struct{}, 1)
		s.pull <- struct{}{}
	}
	return s, nil
}

func (s *simulator) newInterpreter() *control.Interpreter {
	return &control.Interpreter{
		Parser:   control.Parser{MaxSize: int64(s.cfg.MaxSize), Logger: s.log},
		Handler:  s.coord,
		Firmware: s.cfg.Firmware,
		Logger:   s.log,
	}
}

// restart stands in for the reboot into the new image: the committed
// bytes are written to ImageOut and the session is ready for another
// update.
func (s *simulator) restart() {
	st := s.sess.Status()
	img := s.flash.Read(s.target.Offset, int(st.Written))
	boot, _ := s.flash.BootSlot()
	s.log.Info("sim:restart",
		slog.String("boot", boot.String()),
		slog.Uint64("bytes", uint64(len(img))),
	)
	if s.cfg.ImageOut != "" {
		if err := os.WriteFile(s.cfg.ImageOut, img, 0o644); err != nil {
			s.log.Error("sim:image-write-failed", slog.String("err", err.Error()))
		} else {
			s.log.Info("sim:image-written", slog.String("path", s.cfg.ImageOut))
		}
	}
	s.restarts.Add(1)
	s.sess.Clear()
	if s.restarted != nil {
		s.restarted <- img
	}
}

// onStatus answers a BLE start request once the writer opens and reports
// the outcome when the session ends.
func (s *simulator) onStatus(ota.Status) {
	if s.link == nil {
		return
	}
	if err := s.bleIn.WriteStatus(s.link); err != nil && !errors.Is(err, ble.ErrNotConnected) {
		s.log.Warn("sim:ble-status-failed", slog.String("err", err.Error()))
	}
}

type task struct {
	name string
	run  func(context.Context) error
}

// listen opens every configured transport. Nothing runs yet.
func (s *simulator) listen() (tasks []task, err error) {
	var closers []io.Closer
	defer func() {
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
		}
	}()
	if addr := s.cfg.Listen.OTA; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		closers = append(closers, ln)
		s.addrs["ota"] = ln.Addr()
		tasks = append(tasks, task{"ota", func(ctx context.Context) error {
			return netota.Listen(ctx, ln, netota.Handler(s.coord, s.log), s.log)
		}})
	}
	if addr := s.cfg.Listen.Discovery; addr != "" {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pc)
		s.addrs["discovery"] = pc.LocalAddr()
		d := &netota.Discovery{Addr: func() string { return s.cfg.Advertise }, Logger: s.log}
		tasks = append(tasks, task{"discovery", func(ctx context.Context) error { return d.Serve(ctx, pc) }})
	}
	if addr := s.cfg.Listen.Console; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		closers = append(closers, ln)
		s.addrs["console"] = ln.Addr()
		tasks = append(tasks, task{"console", func(ctx context.Context) error {
			return netota.Listen(ctx, ln, s.serveConsole, s.log)
		}})
	}
	if addr := s.cfg.Listen.BLE; addr != "" {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pc)
		s.addrs["ble"] = pc.LocalAddr()
		emu := ble.NewEmulator(pc, s.coord, ble.Config{Logger: s.log})
		s.link = emu.Adapter()
		tasks = append(tasks,
			task{"ble", emu.Serve},
			task{"ble-rx", func(ctx context.Context) error { return s.link.Run(ctx, s.bleIn) }},
		)
	}
	return tasks, nil
}

// Run starts every configured transport and the writer task, and returns
// when ctx ends or one of them fails.
func (s *simulator) Run(ctx context.Context) error {
	tasks, err := s.listen()
	if err != nil {
		return err
	}
	return s.serve(ctx, tasks)
}

func (s *simulator) serve(ctx context.Context, tasks []task) error {
	tasks = append(tasks, task{"writer", s.coord.Run})
	if s.mirror != nil {
		tasks = append(tasks, task{"mirror", s.mirror.Run})
	}
	if s.pull != nil {
		tasks = append(tasks, task{"pull", s.pullLoop})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg   sync.WaitGroup
		once sync.Once
		ferr error
	)
	for _, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := t.run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("sim:task-failed", slog.String("task", t.name), slog.String("err", err.Error()))
				once.Do(func() { ferr = err })
				cancel()
			}
		}()
	}
	s.log.Info("sim:ready",
		slog.String("running", s.running.String()),
		slog.String("target", s.target.String()),
		slog.Int("tasks", len(tasks)),
	)
	<-ctx.Done()
	wg.Wait()
	return ferr
}

// serveConsole runs one telnet-style console connection.
func (s *simulator) serveConsole(ctx context.Context, conn net.Conn) {
	if remaining := s.lock.Remaining(time.Now()); remaining > 0 {
		s.log.Info("console:lockout", slog.Int("failures", s.lock.Failures()), slog.Duration("remaining", remaining))
		return
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	if !console.Authenticate(conn, s.cfg.ConsolePassword, &s.lock, authTimeout) {
		s.log.Info("console:auth-failed", slog.Int("failures", s.lock.Failures()))
		return
	}
	conn.SetReadDeadline(time.Time{})
	s.log.Info("console:authenticated")

	if s.mirror != nil {
		s.mirror.Attach(conn)
		defer s.mirror.Detach(conn)
	}
	console.Serve(conn, s.newInterpreter(), s.localCommand, s.log)
}

// localCommand handles the simulator's own console commands.
func (s *simulator) localCommand(cmd []byte, w io.Writer) bool {
	var out []byte
	switch string(cmd) {
	case "help":
		s.newInterpreter().Process(cmd, w)
		out = append(out, "Console: partition pull uptime\r\n"...)

	case "partition":
		out = append(out, "Running: "...)
		out = append(out, s.running.String()...)
		out = append(out, "\r\nTarget:  "...)
		out = append(out, s.target.String()...)
		out = append(out, "\r\nRestarts: "...)
		out = strconv.AppendInt(out, int64(s.restarts.Load()), 10)
		out = append(out, "\r\n"...)

	case "pull":
		if s.pull == nil {
			out = append(out, "Pull unavailable: no pull_url\r\n"...)
			break
		}
		select {
		case s.pull <- struct{}{}:
			out = append(out, "Pull requested\r\n"...)
		default:
			out = append(out, "Pull already pending\r\n"...)
		}

	case "uptime":
		out = append(out, "Uptime: "...)
		out = append(out, time.Since(s.started).Round(time.Second).String()...)
		out = append(out, "\r\n"...)

	default:
		return false
	}
	w.Write(out)
	return true
}

// pullLoop fetches the configured image each time a pull is requested.
func (s *simulator) pullLoop(ctx context.Context) error {
	buf := make([]byte, pullBufSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.pull:
		}
		if err := s.pullOnce(ctx, buf); err != nil {
			s.log.Error("ota:pull-failed", slog.String("err", err.Error()))
		}
	}
}

func (s *simulator) pullOnce(ctx context.Context, buf []byte) error {
	addr, path, err := config.ParseImageURL(s.cfg.PullURL)
	if err != nil {
		return err
	}
	s.log.Info("ota:dialing", slog.String("server", addr.String()), slog.String("path", path))
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := d.DialContext(dctx, "tcp", addr.String())
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	req := netota.Request{Host: addr.Addr().String(), Port: addr.Port(), Path: path}
	return netota.Pull(ctx, conn, req, s.coord, buf, s.log)
}
