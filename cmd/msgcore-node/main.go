package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/tochemey/goakt/v3/log"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/msgcore/internal/cli"
	"github.com/orizon-lang/msgcore/internal/config"
	"github.com/orizon-lang/msgcore/internal/runtime"
	"github.com/orizon-lang/msgcore/internal/runtime/netstack"
	"github.com/orizon-lang/msgcore/internal/runtime/remote"
	"github.com/orizon-lang/msgcore/internal/term"
)

const toolName = "msgcore-node"

func main() {
	var (
		showVersion bool
		jsonOutput  bool
		configFile  string
		initConfig  bool
		validate    bool
		watch       bool
		ping        string
	)

	fs := flag.NewFlagSet(toolName, flag.ExitOnError)
	fs.BoolVar(&showVersion, "version", false, "show version information")
	fs.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	fs.StringVar(&configFile, "config", "node.json", "configuration file path")
	fs.BoolVar(&initConfig, "init", false, "write a default configuration file")
	fs.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&watch, "watch", true, "reload runtime tunables when the configuration file changes")
	fs.StringVar(&ping, "ping", "", "send a ping to the named peer node once it is reachable")
	overrides := config.BindFlags(fs)
	fs.Usage = func() {
		cli.PrintUsage(os.Stderr, toolName, toolName+" [OPTIONS]", nil, []string{
			toolName + " -init -config a.json",
			toolName + " -name a@localhost -listen 127.0.0.1:4370",
			toolName + " -name b@localhost -listen 127.0.0.1:4371 -peer a@localhost=127.0.0.1:4370 -ping a@localhost",
		})
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		cli.PrintVersion(os.Stdout, toolName, jsonOutput)
		return
	}

	if initConfig {
		if _, err := os.Stat(configFile); err == nil {
			cli.ExitWithError("configuration file already exists: %s", configFile)
		}
		if err := config.Default().Save(configFile); err != nil {
			cli.ExitWithError("%v", err)
		}
		fmt.Printf("Configuration initialized: %s\n", configFile)
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	if err := overrides.Apply(cfg); err != nil {
		cli.ExitWithError("%v", err)
	}

	if validate {
		if jsonOutput {
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(data))
		}
		fmt.Printf("Configuration is valid: %s\n", configFile)
		return
	}

	logger, err := cli.NewLogger(cfg.LogLevel, os.Stderr)
	if err != nil {
		cli.ExitWithError("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, configFile, watch, ping, logger); err != nil {
		cli.ExitWithError("%v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, configFile string, watch bool, ping string, logger log.Logger) error {
	opts := []runtime.Option{
		runtime.WithLogger(logger),
		runtime.WithNode(cfg.Node.Name, cfg.Node.Creation),
		runtime.WithTunables(cfg.Tunables()),
		runtime.WithScheduler(runtime.NewRunQueue(cfg.RunQueue(), logger)),
	}
	if cfg.Runtime.Reductions > 0 {
		opts = append(opts, runtime.WithReductions(cfg.Runtime.Reductions))
	}
	sys := runtime.NewSystem(opts...)
	defer sys.Stop()

	serverTLS, err := netstack.ServerTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Node.Listen)
	if err != nil {
		return err
	}
	clientTLS, err := netstack.ClientTLS(cfg.TLS.CAFile)
	if err != nil {
		return err
	}
	node, err := remote.NewNode(sys, remote.NewHTTP3Transport(serverTLS, clientTLS), remote.NewStaticDiscovery(cfg.Peers), cfg.Remote())
	if err != nil {
		return err
	}
	if err := spawnServices(ctx, sys, node); err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer func() {
		if err := node.Stop(); err != nil {
			logger.Warnf("stopping node: %v", err)
		}
	}()

	if watch {
		w, err := config.Watch(configFile, logger, func(c *config.Config) {
			if err := sys.ApplyTunables(c.Tunables()); err != nil {
				logger.Warnf("tunables not applied: %v", err)
			}
		})
		if err != nil {
			logger.Warnf("not watching %s: %v", configFile, err)
		} else {
			defer w.Close()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sys.Run(ctx) })
	g.Go(func() error { return node.Run(ctx) })

	if cfg.Metrics != "" {
		collectors := sys.MetricCollectors()
		collectors["msgcore_node"] = node.Metrics
		addr, shutdown, err := runtime.StartMetricsServer(cfg.Metrics, collectors)
		if err != nil {
			return errors.Wrap(err, "metrics server")
		}
		logger.Infof("metrics on http://%s/metrics", addr)
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return shutdown(sctx)
		})
	}

	if ping != "" {
		g.Go(func() error {
			msg := sys.Literal(term.TupleSize(2), func(c *term.Cursor, _ term.Anchorer) term.Term {
				return c.Tuple(term.Atom("ping"), term.Atom(node.Name()))
			})
			if err := node.SendWithRetry(ctx, remote.Target{Node: ping, Name: "pong"}, msg); err != nil {
				logger.Errorf("ping %s: %v", ping, err)
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Infof("node %s stopped", node.Name())
	return err
}

// spawnServices registers the actors every node runs: "log" prints what it
// receives and "pong" answers {ping, Node} with {pong, Self} sent to the
// "log" actor of Node.
func spawnServices(ctx context.Context, sys *runtime.System, node *remote.Node) error {
	logger := sys.Logger()
	_, err := sys.Spawn(runtime.BehaviorFunc(func(c *runtime.Context, msg term.Value) error {
		var n int64
		if cur := c.State().T; cur.IsSmall() {
			n = cur.SmallValue()
		}
		c.SetState(term.Imm(term.Small(n + 1)))
		logger.Infof("log #%d: %s", n+1, term.Format(msg.Mem, msg.T))
		return nil
	}), runtime.Named("log"))
	if err != nil {
		return err
	}
	_, err = sys.Spawn(runtime.BehaviorFunc(func(c *runtime.Context, msg term.Value) error {
		el, ok := term.TupleElements(msg.Mem, msg.T)
		if !ok || len(el) != 2 || el[0] != term.Atom("ping") || !el[1].IsAtom() {
			logger.Warnf("pong: unexpected %s", term.Format(msg.Mem, msg.T))
			return nil
		}
		reply := c.Build(term.TupleSize(2), func(cur *term.Cursor, _ term.Anchorer) term.Term {
			return cur.Tuple(term.Atom("pong"), term.Atom(node.Name()))
		})
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		to := remote.Target{Node: term.AtomName(el[1]), Name: "log"}
		if err := node.Send(sctx, to, reply); err != nil {
			logger.Warnf("pong to %s: %v", to, err)
		}
		return nil
	}), runtime.Named("pong"))
	return err
}
