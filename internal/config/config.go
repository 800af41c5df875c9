// Package config loads, validates and watches the node configuration file.
package config

import (
	"encoding/json"
	"flag"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/tochemey/goakt/v3/log"

	"github.com/orizon-lang/msgcore/internal/runtime"
	"github.com/orizon-lang/msgcore/internal/runtime/remote"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the node configuration file.
type Config struct {
	Node     NodeOptions       `json:"node"`
	TLS      TLSOptions        `json:"tls"`
	Peers    map[string]string `json:"peers,omitempty"`
	Runtime  RuntimeOptions    `json:"runtime"`
	LogLevel string            `json:"log_level"`
	Metrics  string            `json:"metrics_addr,omitempty"`
}

type NodeOptions struct {
	Name          string `json:"name"`
	Listen        string `json:"listen"`
	Creation      uint32 `json:"creation"`
	Protocol      string `json:"protocol"`
	Accept        string `json:"accept,omitempty"`
	InboxCapacity uint64 `json:"inbox_capacity"`
	MaxRetries    int    `json:"max_retries"`
	RetryDelay    string `json:"retry_delay"`
}

type TLSOptions struct {
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

type RuntimeOptions struct {
	InitialHeapCells     int  `json:"initial_heap_cells"`
	OnHeapMessageLimit   int  `json:"on_heap_message_limit"`
	FragmentBacklogCells int  `json:"fragment_backlog_cells"`
	MmapThresholdCells   int  `json:"mmap_threshold_cells"`
	Workers              int  `json:"workers"`
	QueueCapacity        int  `json:"queue_capacity"`
	Reductions           int  `json:"reductions"`
	WorkStealing         bool `json:"work_stealing"`
}

// Default returns the configuration used for missing fields.
func Default() *Config {
	t := runtime.DefaultTunables()
	return &Config{
		Node: NodeOptions{
			Name:          "nonode@nohost",
			Listen:        "127.0.0.1:4370",
			Creation:      1,
			Protocol:      remote.ProtocolVersion,
			InboxCapacity: 1024,
			MaxRetries:    5,
			RetryDelay:    "10ms",
		},
		Peers: map[string]string{},
		Runtime: RuntimeOptions{
			InitialHeapCells:     t.InitialHeapCells,
			OnHeapMessageLimit:   t.OnHeapMessageLimit,
			FragmentBacklogCells: t.FragmentBacklogCells,
			MmapThresholdCells:   t.MmapThresholdCells,
			QueueCapacity:        256,
			Reductions:           64,
			WorkStealing:         true,
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "config: read")
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "config: marshal")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "config: write")
	}
	return nil
}

// Validate reports the first malformed value.
func (c *Config) Validate() error {
	if c.Node.Name == "" || !strings.Contains(c.Node.Name, "@") {
		return errors.Wrapf(ErrInvalid, "node name %q is not name@host", c.Node.Name)
	}
	if c.Node.Listen == "" {
		return errors.Wrap(ErrInvalid, "listen address is empty")
	}
	if _, err := semver.NewVersion(c.Node.Protocol); err != nil {
		return errors.Wrapf(ErrInvalid, "protocol %q: %v", c.Node.Protocol, err)
	}
	if c.Node.Accept != "" {
		if _, err := semver.NewConstraint(c.Node.Accept); err != nil {
			return errors.Wrapf(ErrInvalid, "accept %q: %v", c.Node.Accept, err)
		}
	}
	if _, err := c.retryDelay(); err != nil {
		return err
	}
	if c.Node.MaxRetries < 0 {
		return errors.Wrapf(ErrInvalid, "max retries %d", c.Node.MaxRetries)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.Wrap(ErrInvalid, "tls cert_file and key_file go together")
	}
	for name, addr := range c.Peers {
		if name == "" || addr == "" {
			return errors.Wrapf(ErrInvalid, "peer %q at %q", name, addr)
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Runtime.Workers < 0 || c.Runtime.QueueCapacity < 0 || c.Runtime.Reductions < 0 {
		return errors.Wrap(ErrInvalid, "runtime workers, queue capacity and reductions must not be negative")
	}
	if err := c.Tunables().Validate(); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	return nil
}

func (c *Config) retryDelay() (time.Duration, error) {
	if c.Node.RetryDelay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Node.RetryDelay)
	if err != nil || d < 0 {
		return 0, errors.Wrapf(ErrInvalid, "retry delay %q", c.Node.RetryDelay)
	}
	return d, nil
}

// Tunables returns the runtime tunables part.
func (c *Config) Tunables() runtime.Tunables {
	return runtime.Tunables{
		InitialHeapCells:     c.Runtime.InitialHeapCells,
		OnHeapMessageLimit:   c.Runtime.OnHeapMessageLimit,
		FragmentBacklogCells: c.Runtime.FragmentBacklogCells,
		MmapThresholdCells:   c.Runtime.MmapThresholdCells,
	}
}

// RunQueue returns the scheduler configuration.
func (c *Config) RunQueue() runtime.RunQueueConfig {
	return runtime.RunQueueConfig{
		WorkerCount:         c.Runtime.Workers,
		QueueCapacity:       c.Runtime.QueueCapacity,
		WorkStealingEnabled: c.Runtime.WorkStealing,
	}
}

// Remote returns the distribution node configuration.
func (c *Config) Remote() remote.Config {
	delay, _ := c.retryDelay()
	return remote.Config{
		Name:          c.Node.Name,
		Address:       c.Node.Listen,
		Protocol:      c.Node.Protocol,
		Accept:        c.Node.Accept,
		InboxCapacity: c.Node.InboxCapacity,
		MaxRetries:    c.Node.MaxRetries,
		RetryDelay:    delay,
	}
}

// ParseLevel maps a level name onto a log level.
func ParseLevel(name string) (log.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return log.DebugLevel, nil
	case "", "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarningLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.ErrorLevel, errors.Wrapf(ErrInvalid, "log level %q", name)
	}
}

// BindFlags registers command-line overrides on fs. Flags left unset keep
// the file's setting.
func BindFlags(fs *flag.FlagSet) *Overrides {
	o := &Overrides{onHeap: -1, peers: peerFlag{}}
	fs.StringVar(&o.name, "name", "", "node name (name@host)")
	fs.StringVar(&o.listen, "listen", "", "listen address")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&o.metrics, "metrics", "", "metrics listen address")
	fs.IntVar(&o.workers, "workers", 0, "scheduler workers")
	fs.IntVar(&o.onHeap, "on-heap-limit", -1, "largest message written straight onto an idle receiver heap, in cells")
	fs.Var(o.peers, "peer", "peer node as name=address, repeatable")
	return o
}

// Overrides holds the values parsed by BindFlags.
type Overrides struct {
	name     string
	listen   string
	logLevel string
	metrics  string
	workers  int
	onHeap   int
	peers    peerFlag
}

// Apply copies the set overrides into c and validates the result.
func (o *Overrides) Apply(c *Config) error {
	if o.name != "" {
		c.Node.Name = o.name
	}
	if o.listen != "" {
		c.Node.Listen = o.listen
	}
	if o.logLevel != "" {
		c.LogLevel = o.logLevel
	}
	if o.metrics != "" {
		c.Metrics = o.metrics
	}
	if o.workers > 0 {
		c.Runtime.Workers = o.workers
	}
	if o.onHeap >= 0 {
		c.Runtime.OnHeapMessageLimit = o.onHeap
	}
	if len(o.peers) > 0 && c.Peers == nil {
		c.Peers = map[string]string{}
	}
	for name, addr := range o.peers {
		c.Peers[name] = addr
	}
	return c.Validate()
}

type peerFlag map[string]string

func (p peerFlag) String() string {
	parts := make([]string, 0, len(p))
	for name, addr := range p {
		parts = append(parts, name+"="+addr)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (p peerFlag) Set(v string) error {
	name, addr, ok := strings.Cut(v, "=")
	if !ok || name == "" || addr == "" {
		return errors.Errorf("peer %q is not name=address", v)
	}
	p[name] = addr
	return nil
}
