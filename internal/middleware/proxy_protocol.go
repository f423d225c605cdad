package middleware

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const proxyHeaderTimeout = 5 * time.Second

// NewProxyListener wraps ln so every accepted connection is expected to
// start with a PROXY protocol v1 header, as sent by HAProxy and most cloud
// TCP load balancers. RemoteAddr then reports the real client address, which
// is what the device rate limiter and login throttle key on.
//
// Only enable this behind a balancer that always sends the header: the
// header is read before TLS, so a direct client would be answered with a
// protocol error.
func NewProxyListener(ln net.Listener) net.Listener {
	return &proxyListener{Listener: ln}
}

type proxyListener struct {
	net.Listener
}

func (l *proxyListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &proxyConn{Conn: conn, reader: bufio.NewReader(conn)}, nil
}

// proxyConn defers header parsing to the first Read or RemoteAddr call so
// the accept loop never blocks on a slow balancer.
type proxyConn struct {
	net.Conn
	reader *bufio.Reader

	once sync.Once
	addr net.Addr
	err  error
}

func (c *proxyConn) Read(b []byte) (int, error) {
	c.once.Do(c.parseHeader)
	if c.err != nil {
		return 0, c.err
	}
	return c.reader.Read(b)
}

func (c *proxyConn) RemoteAddr() net.Addr {
	c.once.Do(c.parseHeader)
	if c.addr != nil {
		return c.addr
	}
	return c.Conn.RemoteAddr()
}

func (c *proxyConn) parseHeader() {
	c.Conn.SetReadDeadline(time.Now().Add(proxyHeaderTimeout))
	defer c.Conn.SetReadDeadline(time.Time{})

	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.err = fmt.Errorf("read proxy protocol header: %w", err)
		return
	}
	addr, err := parseProxyLine(strings.TrimRight(line, "\r\n"))
	if err != nil {
		c.err = err
		return
	}
	// addr is nil for PROXY UNKNOWN; the socket address stands.
	c.addr = addr
}

// parseProxyLine parses "PROXY TCP4 srcIP dstIP srcPort dstPort". The
// UNKNOWN form carries no addresses and maps to a nil addr.
func parseProxyLine(line string) (net.Addr, error) {
	if !strings.HasPrefix(line, "PROXY ") {
		return nil, fmt.Errorf("not a proxy protocol header: %q", line)
	}
	fields := strings.Fields(line)
	if len(fields) >= 2 && fields[1] == "UNKNOWN" {
		return nil, nil
	}
	if len(fields) != 6 {
		return nil, fmt.Errorf("malformed proxy protocol header: %q", line)
	}
	if fields[1] != "TCP4" && fields[1] != "TCP6" {
		return nil, fmt.Errorf("unsupported proxy protocol family %q", fields[1])
	}

	ip := net.ParseIP(fields[2])
	if ip == nil {
		return nil, fmt.Errorf("bad source address %q", fields[2])
	}
	port, err := strconv.Atoi(fields[4])
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("bad source port %q", fields[4])
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}
