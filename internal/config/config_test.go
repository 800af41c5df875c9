package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tochemey/goakt/v3/log"

	"github.com/orizon-lang/msgcore/internal/runtime"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, runtime.DefaultTunables(), cfg.Tunables())

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "nonode@nohost", cfg.Node.Name)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	writeFile(t, path, `{
		"node": {"name": "a@host", "listen": "127.0.0.1:9000", "accept": ">=1.0.0, <3.0.0", "retry_delay": "50ms"},
		"peers": {"b@host": "127.0.0.1:9001"},
		"runtime": {"on_heap_message_limit": 512, "workers": 3},
		"log_level": "debug"
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	rc := cfg.Remote()
	assert.Equal(t, "a@host", rc.Name)
	assert.Equal(t, "127.0.0.1:9000", rc.Address)
	assert.Equal(t, ">=1.0.0, <3.0.0", rc.Accept)
	assert.Equal(t, 50*time.Millisecond, rc.RetryDelay)
	assert.Equal(t, uint64(1024), rc.InboxCapacity)
	assert.Equal(t, map[string]string{"b@host": "127.0.0.1:9001"}, cfg.Peers)
	assert.Equal(t, 512, cfg.Tunables().OnHeapMessageLimit)
	assert.Equal(t, 233, cfg.Tunables().InitialHeapCells)
	assert.Equal(t, 3, cfg.RunQueue().WorkerCount)
	assert.True(t, cfg.RunQueue().WorkStealingEnabled)

	lvl, err := ParseLevel(cfg.LogLevel)
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, lvl)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	cfg := Default()
	cfg.Node.Name = "x@y"
	cfg.Peers["z@y"] = "10.0.0.1:1"
	require.NoError(t, cfg.Save(path))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"name":     func(c *Config) { c.Node.Name = "plain" },
		"listen":   func(c *Config) { c.Node.Listen = "" },
		"protocol": func(c *Config) { c.Node.Protocol = "v-one" },
		"accept":   func(c *Config) { c.Node.Accept = "not a range!" },
		"delay":    func(c *Config) { c.Node.RetryDelay = "soon" },
		"retries":  func(c *Config) { c.Node.MaxRetries = -1 },
		"tls":      func(c *Config) { c.TLS.CertFile = "cert.pem" },
		"peer":     func(c *Config) { c.Peers["b@h"] = "" },
		"level":    func(c *Config) { c.LogLevel = "loud" },
		"workers":  func(c *Config) { c.Runtime.Workers = -2 },
		"heap":     func(c *Config) { c.Runtime.InitialHeapCells = 0 },
		"on-heap":  func(c *Config) { c.Runtime.OnHeapMessageLimit = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "%v", err)
		})
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, path, `{"node": {"name": "nohost"}}`)
	_, err := Load(path)
	assert.True(t, errors.Is(err, ErrInvalid))
	writeFile(t, path, `{`)
	_, err = Load(path)
	assert.Error(t, err)
}

func TestFlagOverrides(t *testing.T) {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	o := BindFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-name", "c@host", "-workers", "4", "-on-heap-limit", "0",
		"-peer", "a@host=1.2.3.4:5", "-peer", "b@host=1.2.3.4:6", "-log-level", "warn",
	}))
	cfg := Default()
	cfg.Runtime.OnHeapMessageLimit = 64
	require.NoError(t, o.Apply(cfg))
	assert.Equal(t, "c@host", cfg.Node.Name)
	assert.Equal(t, "127.0.0.1:4370", cfg.Node.Listen)
	assert.Equal(t, 4, cfg.Runtime.Workers)
	assert.Equal(t, 0, cfg.Runtime.OnHeapMessageLimit)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, map[string]string{"a@host": "1.2.3.4:5", "b@host": "1.2.3.4:6"}, cfg.Peers)
	assert.Equal(t, "a@host=1.2.3.4:5,b@host=1.2.3.4:6", fs.Lookup("peer").Value.String())

	fs = flag.NewFlagSet("node", flag.ContinueOnError)
	fs.SetOutput(discard{})
	BindFlags(fs)
	assert.Error(t, fs.Parse([]string{"-peer", "nope"}))

	fs = flag.NewFlagSet("node", flag.ContinueOnError)
	o = BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-name", "bad"}))
	assert.Error(t, o.Apply(Default()))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestWatcherAppliesTunables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.json")
	writeFile(t, path, `{"node": {"name": "a@host"}}`)

	sys := runtime.NewSystem(runtime.WithLogger(log.DiscardLogger))
	t.Cleanup(sys.Stop)
	changes := make(chan *Config, 4)
	w, err := Watch(path, log.DiscardLogger, func(c *Config) {
		assert.NoError(t, sys.ApplyTunables(c.Tunables()))
		select {
		case changes <- c:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, "a@host", w.Current().Node.Name)

	writeFile(t, path, `{"node": {"name": "a@host"}, "runtime": {"initial_heap_cells": 610, "on_heap_message_limit": 128}}`)
	select {
	case c := <-changes:
		assert.Equal(t, 610, c.Runtime.InitialHeapCells)
	case <-time.After(5 * time.Second):
		t.Skip("no file events delivered")
	}
	require.Eventually(t, func() bool { return sys.Tunables().OnHeapMessageLimit == 128 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 610, sys.Tunables().InitialHeapCells)

	writeFile(t, path, `{"node": {"name": "broken"}}`)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 610, w.Current().Runtime.InitialHeapCells)
}
