package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"eclock/internal/battery"
	"eclock/internal/clockface"
	"eclock/internal/config"
	"eclock/internal/epd"
	"eclock/internal/frame"
	"eclock/internal/ingest"
	"eclock/internal/link"
	appLog "eclock/internal/log"
	"eclock/internal/scheduler"
	"eclock/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	renderOnly bool
	dump       bool
	dumpDir    string
}

func main() {
	flags := parseFlags()

	appLog.SetLevel(appLog.ParseLevel(flags.logLevel))
	appLog.Info("eclock starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"panel", conf.Panel.Model,
		"capacity", conf.Ingest.Capacity,
		"threshold", conf.Ingest.Threshold,
		"serial", conf.Link.Serial.Port,
		"websocket", conf.Link.WebSocket,
		"render_only", flags.renderOnly,
		"dump", flags.dump,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags); err != nil {
		appLog.Error("eclock failed", err)
		os.Exit(1)
	}
	appLog.Info("eclock exiting")
}

func run(ctx context.Context, conf *config.Config, flags flagConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m, err := conf.PanelModel()
	if err != nil {
		return err
	}
	loc, err := conf.Location()
	if err != nil {
		return err
	}

	var tr epd.Transport = epd.OpenSPI(conf.SPI())
	if flags.renderOnly {
		tr = &epd.NopTransport{Polarity: m.Revision.BusyPolarity}
	}
	drv, err := epd.New(tr, m, conf.DriverOptions())
	if err != nil {
		return err
	}
	if err := drv.Init(); err != nil {
		return fmt.Errorf("panel init: %w", err)
	}
	defer func() {
		// 종료 시 패널을 deep sleep 으로 보낸 뒤 버스를 해제한다.
		if err := drv.Sleep(); err != nil {
			appLog.Error("panel sleep failed", err)
		}
		if err := drv.Close(); err != nil {
			appLog.Error("panel close failed", err)
		}
	}()
	if err := drv.Clear(); err != nil {
		return fmt.Errorf("panel clear: %w", err)
	}

	tracker := link.NewTracker()
	batt := batteryReader(conf, flags.renderOnly)

	face, err := clockface.New(m, faceStatus(ctx, tracker, batt))
	if err != nil {
		return err
	}

	fb := frame.New(m)
	if black, red, err := face.Splash("Waiting link..."); err != nil {
		appLog.Error("splash render failed", err)
	} else if err := fb.Load(black, red); err == nil {
		black, red = fb.Snapshot()
		if err := drv.DisplayFrame(black, red, epd.Full); err != nil {
			appLog.Error("splash display failed", err)
		}
	}

	dec, err := ingest.NewDecoder(conf.Ingest.Capacity, conf.Ingest.Threshold)
	if err != nil {
		return err
	}
	idle := time.Duration(conf.Ingest.IdleTimeoutMs) * time.Millisecond
	dec.SetIdleTimeout(idle)
	sess := ingest.NewSession(dec, fb, drv)

	sched, err := scheduler.New(scheduler.Options{
		FullCron:     conf.Refresh.FullCron,
		TickCron:     conf.Refresh.TickCron,
		PartialLimit: conf.Refresh.PartialLimit,
		Location:     loc,
	}, face, fb, drv, sess)
	if err != nil {
		return err
	}
	sess.OnEvent(sched.OnEvent)
	if flags.dump {
		sess.OnEvent(func(ev ingest.Event) {
			if _, ok := ev.(ingest.EventFrameComplete); ok {
				dumpPlanes(flags.dumpDir, fb)
			}
		})
	}

	var wg sync.WaitGroup
	if idle > 0 {
		wg.Go(func() { sess.Run(ctx, idle/4) })
	}

	sched.Start()
	defer sched.Stop()

	if conf.Link.Serial.Port != "" {
		sl := link.NewSerial(conf.Link.Serial.Port, conf.Link.Serial.Baud, sess, tracker)
		wg.Go(func() {
			if err := sl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("serial link stopped", err, "port", conf.Link.Serial.Port)
			}
		})
	}

	deps := web.Deps{
		Panel:   drv,
		Session: sess,
		Frame:   fb,
		Clock:   sched,
		Tracker: tracker,
	}
	if batt != nil {
		deps.Battery = batt
	}
	if conf.Link.WebSocket {
		deps.WebSocket = link.NewWebSocket(sess, tracker)
	}
	srv := web.NewServer(conf, deps)
	err = srv.ListenAndServe(ctx)

	// The API server only returns early on a listen error; stop the rest too.
	cancel()
	wg.Wait()
	if flags.dump {
		dumpPlanes(flags.dumpDir, fb)
	}
	return err
}

// batteryReader returns a cached reader, or nil when the gauge is disabled.
func batteryReader(conf *config.Config, renderOnly bool) *battery.Cache {
	if !conf.Battery.Enabled {
		return nil
	}
	var r battery.Reader
	if renderOnly {
		r = battery.NewMockReader()
	} else {
		r = battery.DefaultReader(conf.Battery.I2CBus, conf.Battery.Addr)
	}
	return battery.NewCache(r, 30*time.Second)
}

// faceStatus feeds the clock face status line.
func faceStatus(ctx context.Context, tr *link.Tracker, batt *battery.Cache) func() clockface.Status {
	return func() clockface.Status {
		st := clockface.Status{Battery: -1}
		if active := tr.Active(); len(active) > 0 {
			st.Link = active[0]
		}
		if batt != nil {
			if b, err := batt.Read(ctx); err == nil {
				st.Battery = b.Percent
			}
		}
		return st
	}
}

// dumpPlanes writes the displayed planes as raw files for debugging.
func dumpPlanes(dir string, fb *frame.Buffer) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		appLog.Error("dump dir create failed", err, "dir", dir)
		return
	}
	black, red := fb.Snapshot()
	if err := os.WriteFile(filepath.Join(dir, "black.bin"), black, 0o644); err != nil {
		appLog.Error("dump black plane failed", err)
	}
	if red != nil {
		if err := os.WriteFile(filepath.Join(dir, "red.bin"), red, 0o644); err != nil {
			appLog.Error("dump red plane failed", err)
		}
	}
	appLog.Debug("planes dumped", "dir", dir)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/eclock/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Render only; do not touch display hardware")
	flag.BoolVar(&cfg.dump, "dump", false, "Dump displayed planes (black.bin, red.bin)")
	flag.StringVar(&cfg.dumpDir, "dump-dir", "./cache", "Directory for --dump output")

	flag.Parse()

	return cfg
}
