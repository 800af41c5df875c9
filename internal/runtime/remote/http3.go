package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/orizon-lang/msgcore/internal/runtime/netstack"
)

// DistPath is where nodes post envelopes.
const DistPath = "/dist"

// maxEnvelopeBytes bounds a request body.
const maxEnvelopeBytes = 64 << 20

// HTTP3Transport exchanges envelopes as HTTP/3 POST requests over QUIC.
// Addresses are host:port pairs.
type HTTP3Transport struct {
	ServerTLS *tls.Config
	ClientTLS *tls.Config
	Codec     Codec
	Timeout   time.Duration

	mutex   sync.Mutex
	server  *netstack.HTTP3Server
	client  *http.Client
	addr    string
	handler Handler
}

// NewHTTP3Transport returns a transport using JSON envelopes.
func NewHTTP3Transport(serverTLS, clientTLS *tls.Config) *HTTP3Transport {
	return &HTTP3Transport{ServerTLS: serverTLS, ClientTLS: clientTLS, Codec: JSONCodec{}, Timeout: 5 * time.Second}
}

// Start implements Transport.
func (t *HTTP3Transport) Start(address string, handler Handler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.server != nil {
		return errors.New("remote: transport already started")
	}
	if t.Codec == nil {
		t.Codec = JSONCodec{}
	}
	mux := http.NewServeMux()
	mux.HandleFunc(DistPath, t.serve)
	srv := netstack.NewHTTP3Server(address, t.ServerTLS, mux)
	addr, err := srv.Start()
	if err != nil {
		return err
	}
	t.server = srv
	t.addr = addr
	t.handler = handler
	t.client = netstack.HTTP3Client(t.ClientTLS, t.Timeout)
	return nil
}

// Stop implements Transport.
func (t *HTTP3Transport) Stop() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.server == nil {
		return nil
	}
	netstack.ShutdownHTTP3(t.client)
	err := t.server.Stop()
	t.server = nil
	t.client = nil
	t.addr = ""
	t.handler = nil
	return err
}

// Address implements Transport.
func (t *HTTP3Transport) Address() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.addr
}

// Send implements Transport.
func (t *HTTP3Transport) Send(ctx context.Context, to string, env Envelope) error {
	t.mutex.Lock()
	client, codec := t.client, t.Codec
	t.mutex.Unlock()
	if client == nil {
		return errors.New("remote: transport not started")
	}
	body, err := codec.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+to+DistPath, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "remote: build request")
	}
	req.Header.Set("Content-Type", codec.ContentType())
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusAccepted {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return errors.Wrapf(ErrRejected, "%s: %s %s", to, resp.Status, bytes.TrimSpace(msg))
	}
	return errors.Errorf("remote: %s answered %s %s", to, resp.Status, bytes.TrimSpace(msg))
}

func (t *HTTP3Transport) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	t.mutex.Lock()
	handler, codec := t.handler, t.Codec
	t.mutex.Unlock()
	if handler == nil {
		http.Error(w, "node stopping", http.StatusServiceUnavailable)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := handler(env); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrInboxFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
