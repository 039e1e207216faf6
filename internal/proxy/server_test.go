package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/gpt-tap/internal/api"
	"github.com/burpheart/gpt-tap/internal/relay"
	"github.com/burpheart/gpt-tap/pkg/types"
)

func startServer(t *testing.T) (*Server, string, string, string) {
	t.Helper()
	cfg := types.DefaultConfig()
	cfg.HTTPPort, cfg.SOCKS5Port, cfg.APIPort = 0, 0, 0
	cfg.CertDir = t.TempDir()
	cfg.DataDir = t.TempDir()
	cfg.Store = types.StoreConfig{Driver: "memory"}
	cfg.HTTPRecordFile = "traffic.jsonl"

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := NewServer(ctx, *cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	httpAddr, socksAddr, apiAddr := srv.Addrs()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		srv.Close()
	})
	return srv, httpAddr, socksAddr, apiAddr
}

func plainUpstream(t *testing.T) (string, int) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	}))
	t.Cleanup(upstream.Close)
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func getThrough(t *testing.T, conn net.Conn, host string) string {
	t.Helper()
	_, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: "+host+"\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHTTPConnectTunnelsOutOfScopeHosts(t *testing.T) {
	srv, httpAddr, _, _ := startServer(t)
	host, port := plainUpstream(t)
	target := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := net.Dial("tcp", httpAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return srv.sessions.Active() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello", getThrough(t, &bufferedNetConn{Conn: conn, reader: br}, target))
	conn.Close()
	require.Eventually(t, func() bool { return srv.sessions.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, srv.sessions.Total())
}

func TestSOCKS5Connect(t *testing.T) {
	_, _, socksAddr, _ := startServer(t)
	host, port := plainUpstream(t)

	conn, err := net.Dial("tcp", socksAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, reply)

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, net.ParseIP(host).To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	_, err = conn.Write(req)
	require.NoError(t, err)
	ack := make([]byte, 10)
	_, err = io.ReadFull(conn, ack)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), ack[1])

	assert.Equal(t, "hello", getThrough(t, conn, net.JoinHostPort(host, strconv.Itoa(port))))
}

func TestAPIStatusAndCACert(t *testing.T) {
	srv, httpAddr, _, apiAddr := startServer(t)

	st, err := api.NewRemote(apiAddr).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, st["running"])
	assert.Equal(t, "memory", st["transport"])
	assert.Equal(t, httpAddr, st["http_addr"])
	assert.Equal(t, srv.ca.Fingerprint(), st["ca_fingerprint"])

	resp, err := http.Get("http://" + apiAddr + "/api/ca/cert")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)

	resp, err = http.Get("http://" + apiAddr + "/api/records")
	require.NoError(t, err)
	defer resp.Body.Close()
	var recs []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
}

func TestCommandsReachBothEndpoints(t *testing.T) {
	_, _, _, apiAddr := startServer(t)
	remote := api.NewRemote(apiAddr)

	reply, err := remote.Send(context.Background(), relay.Command{Action: relay.ActionGetOverlayStatus, TabID: "proxy-7"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusOK, reply.Status)

	// The tab is unknown to every provider, so the background reports the
	// refresh failure as an error reply.
	reply, err = remote.Send(context.Background(), relay.Command{Action: relay.ActionRefreshAndCapture, TabID: "proxy-7"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusError, reply.Status)
	assert.Contains(t, reply.Error, "unknown tab")
}
