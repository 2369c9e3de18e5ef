package config_test

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c35s/dsplink/config"
	"github.com/c35s/dsplink/image"
	"github.com/c35s/dsplink/session"
	"github.com/c35s/dsplink/wait"
	"github.com/google/go-cmp/cmp"
)

const tomlConfig = `
[images]
dir = "/lib/firmware/dsp"
main = "audio.bin"
sub = "fx.bin"

[session]
allowed = ["decode", "playback"]
clock_hz = 100000000
page_queue = 4

[timing]
bring_up = "250ms"
ack_wait = "2ms"
consume_wait = "1s"

[clock_sync]
jitter = 32
rounds = 10

[log]
level = "debug"
format = "json"

[diag]
listen = ["tcp:127.0.0.1:7070", "vsock:7070"]

[sim]
sync_clock = true
skew = 5000
boot_delay = "5ms"
`

const yamlConfig = `
images:
  dir: /lib/firmware/dsp
  main: audio.bin
  sub: fx.bin
session:
  allowed: [decode, playback]
  clock_hz: 100000000
  page_queue: 4
timing:
  bring_up: 250ms
  ack_wait: 2ms
  consume_wait: 1s
clock_sync:
  jitter: 32
  rounds: 10
log:
  level: debug
  format: json
diag:
  listen: ["tcp:127.0.0.1:7070", "vsock:7070"]
sim:
  sync_clock: true
  skew: 5000
  boot_delay: 5ms
`

var want = config.Config{
	Images: config.Images{
		Dir:  "/lib/firmware/dsp",
		Main: "audio.bin",
		Sub:  "fx.bin",
	},

	Session: config.Session{
		Allowed:   []string{"decode", "playback"},
		ClockHz:   100000000,
		PageQueue: 4,
	},

	Timing: config.Timing{
		BringUp:     250 * time.Millisecond,
		AckWait:     2 * time.Millisecond,
		ConsumeWait: time.Second,
	},

	ClockSync: config.ClockSync{Jitter: 32, Rounds: 10},
	Log:       config.Log{Level: "debug", Format: "json"},
	Diag:      config.Diag{Listen: []string{"tcp:127.0.0.1:7070", "vsock:7070"}},
	Sim:       config.Sim{SyncClock: true, Skew: 5000, BootDelay: 5 * time.Millisecond},
}

func TestLoad(t *testing.T) {
	files := map[string]string{
		"dsplink.toml": tomlConfig,
		"dsplink.yaml": yamlConfig,
		"dsplink.yml":  yamlConfig,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			cfg, err := config.Load(write(t, name, content))
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(&want, cfg); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(write(t, "min.toml", "[images]\nurl = \"http://fw.local/dsp/\"\n"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Images.Main != "main.bin" || cfg.Log.Level != "info" || cfg.Log.Format != "auto" {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	if cfg.LogLevel() != slog.LevelInfo {
		t.Errorf("level = %v, want info", cfg.LogLevel())
	}

	p, err := cfg.Provider()
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(image.HTTPProvider{BaseURL: "http://fw.local/dsp/"}, p); diff != "" {
		t.Errorf("provider mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string]string{
		"no source.toml":      "[images]\nmain = \"a.bin\"\n",
		"two sources.toml":    "[images]\ndir = \"a\"\nurl = \"http://b/\"\n",
		"bad func.toml":       "[images]\ndir = \"a\"\n[session]\nallowed = [\"juggle\"]\n",
		"bad level.toml":      "[images]\ndir = \"a\"\n[log]\nlevel = \"loud\"\n",
		"bad format.yaml":     "images: {dir: a}\nlog: {format: xml}\n",
		"bad listen.yaml":     "images: {dir: a}\ndiag: {listen: [\"udp:1\"]}\n",
		"negative queue.yaml": "images: {dir: a}\nsession: {page_queue: -1}\n",
		"negative wait.yaml":  "images: {dir: a}\ntiming: {ack_wait: -1ms}\n",
		"dsplink.ini":         "[images]\ndir = a\n",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(write(t, name, content))
			if !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
		})
	}

	t.Run("syntax", func(t *testing.T) {
		_, err := config.Load(write(t, "broken.toml", "[images\n"))
		if err == nil || errors.Is(err, config.ErrInvalid) {
			t.Fatalf("err = %v, want parse error", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("err = %v, want ErrNotExist", err)
		}
	})
}

func TestSessionConfig(t *testing.T) {
	cfg, err := config.Load(write(t, "dsplink.toml", tomlConfig))
	if err != nil {
		t.Fatal(err)
	}

	sc, err := cfg.SessionConfig()
	if err != nil {
		t.Fatal(err)
	}

	if sc.Images != (image.DirProvider{Dir: "/lib/firmware/dsp"}) {
		t.Errorf("images = %#v", sc.Images)
	}

	got := struct {
		ClockHz     uint32
		PageQueue   int
		BringUp     wait.Policy
		AckWait     wait.Policy
		SpaceWait   wait.Policy
		ConsumeWait wait.Policy
		Jitter      uint32
		Rounds      int
	}{
		sc.ClockHz, sc.PageQueue,
		sc.BringUp, sc.AckWait, sc.SpaceWait, sc.ConsumeWait,
		sc.ClockSync.Jitter, sc.ClockSync.Rounds,
	}

	want := got
	want.ClockHz = 100000000
	want.PageQueue = 4
	want.BringUp = wait.Policy{Timeout: 250 * time.Millisecond}
	want.AckWait = wait.Policy{Interval: time.Microsecond, Timeout: 2 * time.Millisecond, Spin: true}
	want.SpaceWait = wait.Policy{}
	want.ConsumeWait = wait.Policy{Interval: time.Millisecond, Timeout: time.Second}
	want.Jitter = 32
	want.Rounds = 10

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	allowed, err := cfg.Allowed()
	if err != nil {
		t.Fatal(err)
	}

	if want := session.MaskOf(session.FuncDecode, session.FuncPlayback); allowed != want {
		t.Errorf("allowed = %v, want %v", allowed, want)
	}

	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", cfg.LogLevel())
	}
}

func TestArchiveProvider(t *testing.T) {
	var buf bytes.Buffer
	if err := image.WriteArchive(&buf, map[string][]byte{"main.bin": []byte("code")}); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "images.cpio")
	if err := os.WriteFile(archive, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(write(t, "a.yaml", "images:\n  archive: "+archive+"\n"))
	if err != nil {
		t.Fatal(err)
	}

	p, err := cfg.Provider()
	if err != nil {
		t.Fatal(err)
	}

	ap, ok := p.(*image.ArchiveProvider)
	if !ok {
		t.Fatalf("provider is %T, want *image.ArchiveProvider", p)
	}

	if diff := cmp.Diff([]string{"main.bin"}, ap.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func write(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}
