// Package proxyconn opens the upstream HTTP CONNECT tunnel to the
// configured proxy: resolve, dial (optionally SO_MARK-tagged), send
// the CONNECT request with Basic auth, and hand back the established
// stream plus any bytes the proxy already sent past the header.
package proxyconn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"proxyvpn/internal/model"
)

const maxHeaderSize = 16 * 1024 // 16 KiB

// Error kinds per spec.md §7.
var (
	ErrResolveFailure  = fmt.Errorf("proxyconn: resolve failure")
	ErrConnectTimeout  = fmt.Errorf("proxyconn: connect timeout")
	ErrHeaderTooLarge  = fmt.Errorf("proxyconn: header too large")
	ErrPeerClosed      = fmt.Errorf("proxyconn: peer closed before header terminator")
	ErrProtocolInvalid = fmt.Errorf("proxyconn: malformed CONNECT response")
)

// ProxyRejected is returned when the proxy answers CONNECT with a
// non-200 status.
type ProxyRejected struct {
	Code int
}

func (e *ProxyRejected) Error() string { return fmt.Sprintf("proxyconn: proxy rejected CONNECT: %d", e.Code) }

// Options configures one connect attempt.
type Options struct {
	SocketMark     uint32 // 0 means unset
	ConnectTimeout time.Duration
}

// Result is the established stream plus leftover application bytes
// the proxy already sent past the header terminator.
type Result struct {
	Stream  net.Conn
	Leftover []byte
}

// Connect resolves proxy.Host:Port, dials a TCP socket (tagging it
// with SocketMark if set), performs the CONNECT handshake for
// targetIP:targetPort, and returns the stream.
func Connect(ctx context.Context, proxy model.ProxyEndpoint, targetIP net.IP, targetPort uint16, opts Options) (*Result, error) {
	addrs, err := resolveProxy(ctx, proxy)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{}
	if opts.ConnectTimeout > 0 {
		dialer.Timeout = opts.ConnectTimeout
	}
	if opts.SocketMark != 0 {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			if err := c.Control(func(fd uintptr) {
				ctrlErr = setSocketMark(fd, opts.SocketMark)
			}); err != nil {
				return err
			}
			return ctrlErr
		}
	}

	var conn net.Conn
	var dialErr error
	for _, a := range addrs {
		conn, dialErr = dialer.DialContext(ctx, "tcp", net.JoinHostPort(a.String(), itoa(proxy.Port)))
		if dialErr == nil {
			break
		}
		if isDialTimeout(ctx, dialErr) {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, dialErr)
		}
	}
	if dialErr != nil {
		return nil, fmt.Errorf("proxyconn: connect to proxy: %w", dialErr)
	}

	req := buildConnectRequest(targetIP, targetPort, proxy.Username, proxy.Password)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxyconn: write CONNECT request: %w", err)
	}

	status, leftover, err := readConnectResponse(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if status != 200 {
		conn.Close()
		return nil, &ProxyRejected{Code: status}
	}

	return &Result{Stream: conn, Leftover: leftover}, nil
}

// isDialTimeout reports whether err represents a connect timeout, via
// context cancellation or the dialer's own Timeout field expiring
// (net.Dialer returns the latter as an *os.SyscallError/net.OpError
// wrapping os.ErrDeadlineExceeded, without ever touching ctx).
func isDialTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func resolveProxy(ctx context.Context, proxy model.ProxyEndpoint) ([]net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", proxy.Host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolveFailure, proxy.Host, err)
	}
	var v4 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			v4 = append(v4, ip)
		}
	}
	if len(v4) > 0 {
		return v4, nil
	}
	return ips[:1], nil
}

func buildConnectRequest(ip net.IP, port uint16, user, pass string) []byte {
	hostport := fmt.Sprintf("%s:%d", ip.String(), port)
	auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	return []byte(fmt.Sprintf(
		"CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Authorization: Basic %s\r\n\r\n",
		hostport, hostport, auth))
}

// readConnectResponse reads bytes until \r\n\r\n appears, parses the
// status line, and returns any bytes read past the terminator.
func readConnectResponse(conn net.Conn) (int, []byte, error) {
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 4096)
	for {
		idx := findHeaderEnd(buf)
		if idx >= 0 {
			status, err := parseStatusLine(buf[:idx])
			if err != nil {
				return 0, nil, err
			}
			leftover := append([]byte(nil), buf[idx+4:]...)
			return status, leftover, nil
		}
		if len(buf) > maxHeaderSize {
			return 0, nil, ErrHeaderTooLarge
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if len(buf) == 0 || findHeaderEnd(buf) < 0 {
				return 0, nil, ErrPeerClosed
			}
		}
	}
}

func findHeaderEnd(buf []byte) int {
	for i := 0; i+3 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return i
		}
	}
	return -1
}

func parseStatusLine(header []byte) (int, error) {
	line := header
	for i, b := range header {
		if b == '\r' || b == '\n' {
			line = header[:i]
			break
		}
	}
	// "HTTP/1.1 200 Connection Established"
	var major, minor, code int
	var rest string
	n, err := fmt.Sscanf(string(line), "HTTP/%d.%d %d %s", &major, &minor, &code, &rest)
	if err != nil || n < 3 {
		return 0, fmt.Errorf("%w: %q", ErrProtocolInvalid, string(line))
	}
	return code, nil
}

func itoa(port uint16) string {
	return fmt.Sprintf("%d", port)
}
