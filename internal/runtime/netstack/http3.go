// Package netstack carries the QUIC plumbing node links run over.
package netstack

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go/http3"
)

// HTTP3Server serves an http.Handler over HTTP/3.
type HTTP3Server struct {
	srv *http3.Server

	mutex sync.Mutex
	pc    net.PacketConn
	done  chan struct{}
}

// NewHTTP3Server returns a server for addr. Nothing is bound until Start.
func NewHTTP3Server(addr string, tlsCfg *tls.Config, h http.Handler) *HTTP3Server {
	return &HTTP3Server{srv: &http3.Server{Addr: addr, TLSConfig: http3.ConfigureTLSConfig(tlsCfg), Handler: h}}
}

// Start binds the UDP socket and serves in the background. It returns the
// bound address, which differs from the configured one for port 0.
func (s *HTTP3Server) Start() (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.pc != nil {
		return "", errors.New("netstack: server already started")
	}
	pc, err := net.ListenPacket("udp", s.srv.Addr)
	if err != nil {
		return "", errors.Wrapf(err, "netstack: listen %s", s.srv.Addr)
	}
	s.pc = pc
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		_ = s.srv.Serve(pc)
		close(done)
	}(s.done)
	return pc.LocalAddr().String(), nil
}

// Stop closes the server and waits a short while for it to wind down.
func (s *HTTP3Server) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.pc == nil {
		return nil
	}
	err := s.srv.Close()
	_ = s.pc.Close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	s.pc = nil
	return err
}

// HTTP3Client returns an http.Client speaking HTTP/3.
func HTTP3Client(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	return &http.Client{Transport: &http3.Transport{TLSClientConfig: tlsCfg}, Timeout: timeout}
}

// ShutdownHTTP3 closes the QUIC connections held by a client from
// HTTP3Client.
func ShutdownHTTP3(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}
