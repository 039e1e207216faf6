package mitm

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"
)

// Dialer connects to upstream servers, directly or through an HTTP CONNECT
// or SOCKS5 proxy.
type Dialer struct {
	UpstreamProxy string
	Timeout       time.Duration
}

// NewDialer creates a dialer. An empty upstreamProxy dials directly.
func NewDialer(upstreamProxy string) *Dialer {
	return &Dialer{UpstreamProxy: upstreamProxy, Timeout: 10 * time.Second}
}

// Dial connects to addr.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// DialContext connects to addr. The proxy handshake is bounded by ctx and
// by Timeout.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	direct := &net.Dialer{Timeout: d.Timeout}
	if d.UpstreamProxy == "" {
		return direct.DialContext(ctx, network, addr)
	}

	u, err := url.Parse(d.UpstreamProxy)
	if err != nil {
		return nil, errors.Wrap(err, "parse upstream proxy")
	}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	switch u.Scheme {
	case "http", "https":
		return dialConnect(ctx, direct, u, addr)
	case "socks5", "socks5h", "socks":
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		// Hostnames are sent to the proxy unresolved.
		socks, err := proxy.SOCKS5("tcp", withDefaultPort(u, "1080"), auth, direct)
		if err != nil {
			return nil, errors.Wrap(err, "socks5 proxy")
		}
		conn, err := socks.(proxy.ContextDialer).DialContext(ctx, network, addr)
		return conn, errors.Wrap(err, "socks5 connect")
	}
	return nil, errors.Errorf("unsupported upstream proxy scheme: %s", u.Scheme)
}

func withDefaultPort(u *url.URL, port string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// dialConnect opens a tunnel to target through the HTTP proxy at u.
func dialConnect(ctx context.Context, d *net.Dialer, u *url.URL, target string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", withDefaultPort(u, "8080"))
	if err != nil {
		return nil, errors.Wrap(err, "connect to http proxy")
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if u.User != nil {
		req.Header.Set("Proxy-Authorization", basicAuth(u.User))
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "send CONNECT request")
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "read proxy response")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, errors.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, nil
	}
	return conn, nil
}

func basicAuth(user *url.Userinfo) string {
	pass, _ := user.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user.Username()+":"+pass))
}

type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
