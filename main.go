//go:build linux

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/c35s/dsplink/cmdq"
	"github.com/c35s/dsplink/config"
	"github.com/c35s/dsplink/diag"
	"github.com/c35s/dsplink/hw/sim"
	"github.com/c35s/dsplink/mailbox"
	"github.com/c35s/dsplink/script"
	"github.com/c35s/dsplink/session"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func main() {

	var (
		cfgPath  = flag.String("config", "", "load settings from a TOML or YAML file")
		imageDir = flag.String("images", ".", "load images from dir (without -config)")
		mainImg  = flag.String("main", "main.bin", "set the main image (without -config)")
		subImg   = flag.String("sub", "", "set the optional sub image (without -config)")
		allow    = flag.String("allow", "decode,playback", "allow these functions (without -config)")
		syncClk  = flag.Bool("sync-clock", false, "make the simulated coprocessor sync its clock")
		enable   = flag.String("enable", "", "enable these functions after opening")
		hold     = flag.Bool("hold", false, "keep the session open until interrupted")
		luaPath  = flag.String("script", "", "drive the session with a Lua script")
		cmds     commandList
	)

	flag.Var(&cmds, "cmd", "submit command `id[:hexpayload]`; repeatable")
	flag.Parse()

	cfg := &config.Config{
		Images: config.Images{
			Dir:  *imageDir,
			Main: *mainImg,
			Sub:  *subImg,
		},

		Session: config.Session{Allowed: splitList(*allow)},
		Timing:  config.Timing{AckWait: 100 * time.Millisecond},
		Sim:     config.Sim{SyncClock: *syncClk},
	}

	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			fatal(err)
		}
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	opts := runOptions{
		cmds:   cmds,
		enable: splitList(*enable),
		script: *luaPath,
		hold:   *hold,
	}

	if err := run(cfg, log, opts); err != nil {
		fatal(err)
	}
}

type runOptions struct {
	cmds   commandList
	enable []string
	script string
	hold   bool
}

func run(cfg *config.Config, log *slog.Logger, opts runOptions) error {
	dev, err := sim.New(sim.Config{
		SyncClock: cfg.Sim.SyncClock,
		Skew:      cfg.Sim.Skew,
		BootDelay: cfg.Sim.BootDelay,

		OnCommand: func(c cmdq.Command) {
			log.Debug("coprocessor consumed command", "id", c.ID, "seq", c.Seq, "size", c.Size)
		},
	})

	if err != nil {
		return err
	}

	defer dev.Close()

	scfg, err := cfg.SessionConfig()
	if err != nil {
		return err
	}

	scfg.Logger = log

	reg, err := session.NewRegistry(dev, scfg)
	if err != nil {
		return err
	}

	allowed, err := cfg.Allowed()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := dev.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	srv := &diag.Server{
		Dumper: diag.DumperFunc(func(w io.Writer) error {
			s := reg.Active()
			if s == nil {
				_, err := fmt.Fprintln(w, "no active session")
				return err
			}

			return s.Dump(w)
		}),

		Logger: log,
	}

	for _, addr := range cfg.Diag.Listen {
		l, err := diag.Listen(addr)
		if err != nil {
			return err
		}

		log.Info("serving diagnostics", "addr", l.Addr())
		g.Go(func() error { return srv.Serve(ctx, l) })
	}

	g.Go(func() error {
		defer stop()

		info := session.ImageInfo{
			Main:    cfg.Images.Main,
			Sub:     cfg.Images.Sub,
			Allowed: allowed,

			Handler: func(m *mailbox.Message) {
				log.Info("coprocessor message", "id", m.ID, "param1", m.Param1, "param2", m.Param2)
			},
		}

		s, err := reg.Open(ctx, info)
		if err != nil {
			return err
		}

		defer func() {
			if err := s.Close(); err != nil {
				log.Error("close session", "err", err)
			}
		}()

		if err := drive(ctx, s, opts); err != nil {
			return err
		}

		if err := s.Dump(os.Stdout); err != nil {
			return err
		}

		if opts.hold {
			<-ctx.Done()
		}

		return nil
	})

	return g.Wait()
}

func drive(ctx context.Context, s *session.Session, opts runOptions) error {
	for _, name := range opts.enable {
		f, err := session.ParseFunc(name)
		if err != nil {
			return err
		}

		if err := s.EnableFunc(ctx, f); err != nil {
			return err
		}
	}

	for _, c := range opts.cmds {
		seq, err := s.SubmitSync(ctx, c.ID, c.Payload)
		if err != nil {
			return err
		}

		slog.Info("submitted command", "id", c.ID, "seq", seq, "size", len(c.Payload))
	}

	if opts.script == "" {
		return nil
	}

	f, err := os.Open(opts.script)
	if err != nil {
		return err
	}

	defer f.Close()
	return script.Run(ctx, s, opts.script, f, os.Stdout)
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}

	var h slog.Handler
	switch cfg.Log.Format {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)

	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)

	default:
		if term.IsTerminal(int(os.Stderr.Fd())) {
			h = slog.NewTextHandler(os.Stderr, opts)
		} else {
			h = slog.NewJSONHandler(os.Stderr, opts)
		}
	}

	return slog.New(h)
}

func fatal(err error) {
	slog.Error("dsplink", "err", err)
	os.Exit(1)
}

type commandList []cmdq.Command

func (l *commandList) String() string {
	return fmt.Sprint(*l)
}

// Set parses id[:hexpayload]. The id may be given in any base strconv accepts.
func (l *commandList) Set(s string) error {
	id, payload, _ := strings.Cut(s, ":")

	n, err := strconv.ParseUint(id, 0, 16)
	if err != nil {
		return err
	}

	b, err := hex.DecodeString(payload)
	if err != nil {
		return err
	}

	*l = append(*l, cmdq.Command{ID: uint16(n), Payload: b})
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}

	return out
}
