package driver

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircreader"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"github.com/dalnet/ircbot/internal/network"
	"github.com/dalnet/ircbot/internal/wire"
)

const (
	DefaultDialTimeout = 30 * time.Second
	writeTimeout       = 30 * time.Second

	// WebSocketProtocol is the IRCv3 text subprotocol.
	WebSocketProtocol = "text.ircv3.net"

	readInitialSize = 512
	readMaxSize     = wire.MaxServerTagLen + 1 + wire.DefaultLineLen
)

var crlf = []byte{'\r', '\n'}

// Transport carries whole IRC lines. Stream transports frame with CRLF;
// websockets carry one line per text message.
type Transport interface {
	// ReadLine blocks for the next line, without its terminator.
	ReadLine() ([]byte, error)
	// WriteLine sends one CRLF-terminated line.
	WriteLine(line []byte) error
	Close() error
}

// DialFunc opens a transport for an attempt.
type DialFunc func(ctx context.Context, a network.Attempt) (Transport, error)

// TLSConfig controls certificate verification and client certificates.
type TLSConfig struct {
	Verify   bool
	CABundle string
	CertFile string
	KeyFile  string
}

// Build returns a tls.Config for serverName.
func (c TLSConfig) Build(serverName string) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !c.Verify,
		MinVersion:         tls.VersionTLS12,
	}
	if c.CABundle != "" {
		pem, err := os.ReadFile(c.CABundle)
		if err != nil {
			return nil, errors.Wrap(err, "reading CA bundle")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", c.CABundle)
		}
		conf.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "loading client certificate")
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

// Dialer opens TCP, TLS and websocket transports, optionally through a
// SOCKS5 proxy.
type Dialer struct {
	TLS     TLSConfig
	Proxy   string // socks5://[user:pass@]host:port
	Timeout time.Duration
}

// Dial implements DialFunc.
func (d *Dialer) Dial(ctx context.Context, a network.Attempt) (Transport, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial, err := d.contextDialer(timeout)
	if err != nil {
		return nil, err
	}

	if a.Server.WebSocket != "" {
		return d.dialWebSocket(ctx, a.Server.WebSocket, dial)
	}

	addr := net.JoinHostPort(a.Server.Host, strconv.Itoa(a.Port))
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	if a.TLS {
		conf, err := d.TLS.Build(a.Server.Host)
		if err != nil {
			conn.Close()
			return nil, err
		}
		tlsConn := tls.Client(conn, conf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "tls handshake with %s", addr)
		}
		conn = tlsConn
	}
	return NewStreamTransport(conn), nil
}

func (d *Dialer) contextDialer(timeout time.Duration) (func(ctx context.Context, nw, addr string) (net.Conn, error), error) {
	direct := &net.Dialer{Timeout: timeout}
	if d.Proxy == "" {
		return direct.DialContext, nil
	}
	u, err := url.Parse(d.Proxy)
	if err != nil {
		return nil, errors.Wrap(err, "parsing proxy URL")
	}
	pd, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, errors.Wrap(err, "configuring proxy")
	}
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, nw, addr string) (net.Conn, error) {
		return pd.Dial(nw, addr)
	}, nil
}

func (d *Dialer) dialWebSocket(ctx context.Context, rawURL string, dial func(context.Context, string, string) (net.Conn, error)) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing websocket URL")
	}
	wsDialer := websocket.Dialer{
		NetDialContext: dial,
		Subprotocols:   []string{WebSocketProtocol},
	}
	if u.Scheme == "wss" {
		conf, err := d.TLS.Build(u.Hostname())
		if err != nil {
			return nil, err
		}
		wsDialer.TLSClientConfig = conf
	}
	conn, resp, err := wsDialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "websocket dial %s", rawURL)
	}
	return NewWebSocketTransport(conn), nil
}

// streamTransport frames lines over a net.Conn.
type streamTransport struct {
	conn   net.Conn
	reader ircreader.Reader
	wmu    sync.Mutex
}

// NewStreamTransport wraps a TCP or TLS connection.
func NewStreamTransport(conn net.Conn) Transport {
	t := &streamTransport{conn: conn}
	t.reader.Initialize(conn, readInitialSize, readMaxSize)
	return t
}

func (t *streamTransport) ReadLine() ([]byte, error) {
	line, err := t.reader.ReadLine()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), line...), nil
}

func (t *streamTransport) WriteLine(line []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := t.conn.Write(line)
	return err
}

func (t *streamTransport) Close() error {
	return t.conn.Close()
}

// wsTransport carries one line per websocket text message.
type wsTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWebSocketTransport wraps an established websocket.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadLine() ([]byte, error) {
	for {
		messageType, line, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// skip empty and binary frames
		if messageType == websocket.TextMessage && len(line) != 0 {
			return bytes.TrimSuffix(line, crlf), nil
		}
	}
}

func (t *wsTransport) WriteLine(line []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(line, crlf))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
