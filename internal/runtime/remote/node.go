package remote

import (
	"context"
	"fmt"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/Masterminds/semver/v3"
	goset "github.com/deckarep/golang-set/v2"
	"github.com/flowchartsman/retry"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tochemey/goakt/v3/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/msgcore/internal/runtime"
	"github.com/orizon-lang/msgcore/internal/runtime/concurrency"
	"github.com/orizon-lang/msgcore/internal/term"
)

// ProtocolVersion is the distribution protocol spoken by this build.
const ProtocolVersion = "1.0.0"

var (
	// ErrIncompatible is returned for envelopes from a protocol version the
	// node does not accept.
	ErrIncompatible = errors.New("remote: incompatible protocol version")
	// ErrInboxFull is returned when the node cannot take more envelopes.
	ErrInboxFull = errors.New("remote: inbox full")
	// ErrUnknownNode is returned for sends to a node discovery cannot
	// resolve.
	ErrUnknownNode = errors.New("remote: unknown node")
	// ErrMisrouted is returned for envelopes addressed to another node.
	ErrMisrouted = errors.New("remote: envelope for another node")
	// ErrRejected is returned when a peer refuses an envelope for good.
	ErrRejected = errors.New("remote: envelope rejected")
)

// Config configures a Node.
type Config struct {
	Name          string        // node name, also written into pids
	Address       string        // transport listen address
	Protocol      string        // version announced to peers
	Accept        string        // semver constraint peers must satisfy
	InboxCapacity uint64        // envelopes buffered before dispatch
	MaxRetries    int           // attempts made by SendWithRetry
	RetryDelay    time.Duration // first retry delay
	RetryMaxDelay time.Duration // retry delay cap
}

func (c *Config) defaults() {
	if c.Protocol == "" {
		c.Protocol = ProtocolVersion
	}
	if c.InboxCapacity == 0 {
		c.InboxCapacity = 1024
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 500 * time.Millisecond
	}
}

// Target names an actor on some node, by registered name or by id.
type Target struct {
	Node string
	Name string
	ID   runtime.ActorID
}

func (t Target) String() string {
	if t.Name != "" {
		return fmt.Sprintf("%s@%s", t.Name, t.Node)
	}
	return fmt.Sprintf("<%d>@%s", t.ID, t.Node)
}

// Node connects a runtime System to its peers. Incoming envelopes are
// buffered in a lock-free inbox and handed to the System by one dispatcher,
// so transports never wait on actor locks.
type Node struct {
	config      Config
	sys         *runtime.System
	transport   Transport
	discovery   Discovery
	logger      log.Logger
	incarnation string
	version     *semver.Version
	accept      *semver.Constraints

	inbox   *concurrency.MPMCQueue[Envelope]
	serial  atomix.Uint32
	peers   goset.Set[string]
	started *atomic.Bool

	sent          *atomic.Uint64
	retries       *atomic.Uint64
	received      *atomic.Uint64
	rejected      *atomic.Uint64
	delivered     *atomic.Uint64
	undeliverable *atomic.Uint64
}

// NewNode returns a node for sys. It does not listen until Start.
func NewNode(sys *runtime.System, transport Transport, discovery Discovery, config Config) (*Node, error) {
	config.defaults()
	if config.Name == "" {
		return nil, errors.New("remote: node name is required")
	}
	version, err := semver.NewVersion(config.Protocol)
	if err != nil {
		return nil, errors.Wrapf(err, "remote: protocol version %q", config.Protocol)
	}
	if config.Accept == "" {
		config.Accept = fmt.Sprintf("^%d.0.0", version.Major())
	}
	accept, err := semver.NewConstraint(config.Accept)
	if err != nil {
		return nil, errors.Wrapf(err, "remote: accepted versions %q", config.Accept)
	}
	return &Node{
		config:        config,
		sys:           sys,
		transport:     transport,
		discovery:     discovery,
		logger:        sys.Logger(),
		incarnation:   uuid.NewString(),
		version:       version,
		accept:        accept,
		inbox:         concurrency.NewMPMCQueue[Envelope](config.InboxCapacity),
		peers:         goset.NewSet[string](),
		started:       atomic.NewBool(false),
		sent:          atomic.NewUint64(0),
		retries:       atomic.NewUint64(0),
		received:      atomic.NewUint64(0),
		rejected:      atomic.NewUint64(0),
		delivered:     atomic.NewUint64(0),
		undeliverable: atomic.NewUint64(0),
	}, nil
}

// Name returns the node name.
func (n *Node) Name() string { return n.config.Name }

// Address returns the bound transport address.
func (n *Node) Address() string { return n.transport.Address() }

// Incarnation identifies this run of the node.
func (n *Node) Incarnation() string { return n.incarnation }

// Peers returns the nodes envelopes were accepted from.
func (n *Node) Peers() []string { return n.peers.ToSlice() }

// Start listens on the configured address and registers the node.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("remote: node already started")
	}
	if err := n.transport.Start(n.config.Address, n.receive); err != nil {
		n.started.Store(false)
		return err
	}
	if err := n.discovery.Register(n.config.Name, n.transport.Address()); err != nil {
		_ = n.transport.Stop()
		n.started.Store(false)
		return err
	}
	n.logger.Infof("node %s (%s) listening on %s, protocol %s", n.config.Name, n.incarnation, n.transport.Address(), n.version)
	return nil
}

// Stop unregisters the node and closes its transport.
func (n *Node) Stop() error {
	if !n.started.CompareAndSwap(true, false) {
		return nil
	}
	n.discovery.Unregister(n.config.Name)
	return n.transport.Stop()
}

// Run dispatches received envelopes to local actors until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.dispatch(ctx) })
	return g.Wait()
}

// Send encodes msg and sends it to the target actor once.
func (n *Node) Send(ctx context.Context, to Target, msg term.Value) error {
	env, err := n.envelope(to, msg, term.Imm(term.Nil))
	if err != nil {
		return err
	}
	return n.send(ctx, to.Node, env)
}

// SendTraced sends msg together with a sequential-trace token.
func (n *Node) SendTraced(ctx context.Context, to Target, msg, token term.Value) error {
	env, err := n.envelope(to, msg, token)
	if err != nil {
		return err
	}
	return n.send(ctx, to.Node, env)
}

// SendWithRetry sends msg, retrying with backoff while the target node is
// unknown, unreachable or has a full inbox. Envelopes the peer refuses are
// not retried.
func (n *Node) SendWithRetry(ctx context.Context, to Target, msg term.Value) error {
	env, err := n.envelope(to, msg, term.Imm(term.Nil))
	if err != nil {
		return err
	}
	attempt := 0
	var refused error
	retrier := retry.NewRetrier(n.config.MaxRetries, n.config.RetryDelay, n.config.RetryMaxDelay)
	err = retrier.RunContext(ctx, func(ctx context.Context) error {
		if attempt++; attempt > 1 {
			n.retries.Inc()
		}
		err := n.send(ctx, to.Node, env)
		if refusal(err) {
			refused = err
			return retry.Stop(err)
		}
		return err
	})
	if refused != nil {
		return refused
	}
	return err
}

// refusal reports whether err means the peer will never accept the envelope.
func refusal(err error) bool {
	return errors.Is(err, ErrIncompatible) || errors.Is(err, ErrMisrouted) || errors.Is(err, ErrRejected)
}

func (n *Node) envelope(to Target, msg, token term.Value) (Envelope, error) {
	payload, err := n.sys.Encoder().Encode(msg.Mem, msg.T)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "remote: encode message to %s", to)
	}
	env := Envelope{
		SenderNode:   n.config.Name,
		Incarnation:  n.incarnation,
		Protocol:     n.version.String(),
		ReceiverNode: to.Node,
		ReceiverName: to.Name,
		ReceiverID:   uint64(to.ID),
		Payload:      payload,
	}
	if token.T.IsBoxed() {
		if env.Token, err = n.sys.Encoder().Encode(token.Mem, token.T); err != nil {
			return Envelope{}, errors.Wrap(err, "remote: encode trace token")
		}
	}
	return env, nil
}

func (n *Node) send(ctx context.Context, node string, env Envelope) error {
	addr, ok := n.discovery.Resolve(node)
	if !ok {
		return errors.Wrap(ErrUnknownNode, node)
	}
	env.Serial = n.serial.Add(1)
	env.TimestampUnix = NowUnix()
	if err := n.transport.Send(ctx, addr, env); err != nil {
		return err
	}
	n.sent.Inc()
	return nil
}

// receive is the transport handler. It only checks the envelope and
// buffers it.
func (n *Node) receive(env Envelope) error {
	n.received.Inc()
	v, err := semver.NewVersion(env.Protocol)
	if err != nil || !n.accept.Check(v) {
		n.rejected.Inc()
		return errors.Wrapf(ErrIncompatible, "%s speaks %q, %s accepts %s", env.SenderNode, env.Protocol, n.config.Name, n.config.Accept)
	}
	if env.ReceiverNode != n.config.Name {
		n.rejected.Inc()
		return errors.Wrapf(ErrMisrouted, "%s received envelope for %s", n.config.Name, env.ReceiverNode)
	}
	if err := n.inbox.Enqueue(env); err != nil {
		n.rejected.Inc()
		return errors.Wrap(ErrInboxFull, n.config.Name)
	}
	n.peers.Add(env.SenderNode)
	return nil
}

func (n *Node) dispatch(ctx context.Context) error {
	var bo iox.Backoff
	for ctx.Err() == nil {
		env, err := n.inbox.Dequeue()
		if iox.IsWouldBlock(err) {
			bo.Wait()
			continue
		}
		bo.Reset()
		n.deliver(env)
	}
	return nil
}

func (n *Node) deliver(env Envelope) {
	var (
		a  *runtime.Actor
		ok bool
	)
	if env.ReceiverName != "" {
		a, ok = n.sys.Whereis(env.ReceiverName)
	} else {
		a, ok = n.sys.Lookup(runtime.ActorID(env.ReceiverID))
	}
	if !ok {
		n.undeliverable.Inc()
		n.logger.Debugf("no receiver %q <%d> for envelope %d from %s", env.ReceiverName, env.ReceiverID, env.Serial, env.SenderNode)
		return
	}
	if err := n.sys.DeliverRemote(a, env.Payload, env.Token); err != nil {
		n.undeliverable.Inc()
		n.logger.Warnf("envelope %d from %s: %v", env.Serial, env.SenderNode, err)
		return
	}
	n.delivered.Inc()
}

// Metrics exposes the node counters.
func (n *Node) Metrics() map[string]float64 {
	return map[string]float64{
		"sent_total":          float64(n.sent.Load()),
		"retries_total":       float64(n.retries.Load()),
		"received_total":      float64(n.received.Load()),
		"rejected_total":      float64(n.rejected.Load()),
		"delivered_total":     float64(n.delivered.Load()),
		"undeliverable_total": float64(n.undeliverable.Load()),
		"inbox":               float64(n.inbox.Len()),
		"peers":               float64(n.peers.Cardinality()),
	}
}
