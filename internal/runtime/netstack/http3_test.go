package netstack

import (
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSignedTLS(t *testing.T) {
	cfg, err := GenerateSelfSignedTLS([]string{"localhost", "127.0.0.1"}, time.Hour)
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(0x0304), cfg.MinVersion)
	assert.Equal(t, []string{"h3"}, cfg.NextProtos)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, WritePEM(&cfg.Certificates[0], certPath, keyPath))

	loaded, err := ServerTLS(certPath, keyPath, "127.0.0.1:0")
	require.NoError(t, err)
	assert.Len(t, loaded.Certificates, 1)

	client, err := ClientTLS(certPath)
	require.NoError(t, err)
	assert.NotNil(t, client.RootCAs)

	_, err = ClientTLS(keyPath)
	assert.Error(t, err)
	assert.Error(t, WritePEM(nil, certPath, keyPath))
}

func TestHTTP3Loopback(t *testing.T) {
	srvTLS, err := ServerTLS("", "", "127.0.0.1:0")
	require.NoError(t, err)
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("pong")) })

	s := NewHTTP3Server("127.0.0.1:0", srvTLS, mux)
	addr, err := s.Start()
	if err != nil {
		t.Skip("udp not available:", err)
	}
	defer s.Stop()
	_, err = s.Start()
	assert.Error(t, err)

	clientTLS, err := ClientTLS("")
	require.NoError(t, err)
	cli := HTTP3Client(clientTLS, 2*time.Second)
	defer ShutdownHTTP3(cli)

	resp, err := cli.Get("https://" + addr + "/ping")
	if err != nil {
		t.Skip("http3 dial failed:", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(b))
}
