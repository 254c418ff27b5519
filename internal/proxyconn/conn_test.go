package proxyconn


import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sleexyz/localhostess/internal/discover"
)

type fixedMapping struct {
	m discover.Mapping
}

func (f fixedMapping) Mapping(context.Context) discover.Mapping { return f.m }
func (f fixedMapping) LastScan() time.Time                      { return time.Now() }

type fixedCA struct{ available bool }

func (f fixedCA) MitmAvailable() bool { return f.available }

func newTestServer(listenPort int, mapping discover.Mapping) *Server {
	return &Server{
		ListenPort: listenPort,
		Mapping:    fixedMapping{m: mapping},
		CA:         fixedCA{available: false},
		Logger:     zap.NewNop(),
	}
}

func serveOnePipe(t *testing.T, srv *Server) (client net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	go srv.HandleConn(context.Background(), server)
	return client
}

func TestHandleConnUnknownReverseServes404(t *testing.T) {
	srv := newTestServer(9090, discover.Mapping{})
	client := serveOnePipe(t, srv)
	defer client.Close()

	fmt.Fprintf(client, "GET / HTTP/1.1\r\nHost: ghost.localhost\r\n\r\n")
	res, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	require.Equal(t, 404, res.StatusCode)
}

func TestHandleConnDisallowedHostServes403(t *testing.T) {
	srv := newTestServer(9090, discover.Mapping{})
	client := serveOnePipe(t, srv)
	defer client.Close()

	fmt.Fprintf(client, "GET / HTTP/1.1\r\nHost: evil.example.com\r\n\r\n")
	res, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	require.Equal(t, 403, res.StatusCode)
}

func TestHandleConnDashboardServesHTML(t *testing.T) {
	srv := newTestServer(9090, discover.Mapping{})
	client := serveOnePipe(t, srv)
	defer client.Close()

	fmt.Fprintf(client, "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n")
	res, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Contains(t, res.Header.Get("Content-Type"), "text/html")
}

func TestHandleConnDashboardServesPAC(t *testing.T) {
	srv := newTestServer(9090, discover.Mapping{})
	client := serveOnePipe(t, srv)
	defer client.Close()

	fmt.Fprintf(client, "GET /proxy.pac HTTP/1.1\r\nHost: localhost\r\n\r\n")
	res, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, "application/x-ns-proxy-autoconfig", res.Header.Get("Content-Type"))
}

func TestHandleConnReverseProxiesToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-Backend", "yes")
		w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	backendURL, err := url.Parse(backend.URL)
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(backendURL.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	mapping := discover.Mapping{"web": discover.ServiceEntry{Name: "web", Port: uint16(port)}}
	srv := newTestServer(9090, mapping)
	client := serveOnePipe(t, srv)
	defer client.Close()

	fmt.Fprintf(client, "GET / HTTP/1.1\r\nHost: web.localhost\r\n\r\n")
	res, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, "yes", res.Header.Get("X-From-Backend"))
}
