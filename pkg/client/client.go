// Package client connects to a DittoGate device over mutual TLS.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Options configures Dial.
type Options struct {
	// Address is host:port of the device's auth port.
	Address string

	CertFile        string
	KeyFile         string
	TrustAnchorFile string

	// Certificates and RootCAs override the file fields when set.
	Certificates []tls.Certificate
	RootCAs      *x509.CertPool

	// ServerName overrides the name verified against the device certificate.
	ServerName string

	// LocalAddr binds the outgoing connection to a local IP.
	LocalAddr string

	// Timeout bounds connecting, the handshake and each exchange.
	// Default: 10s.
	Timeout time.Duration
}

// Conn is an authenticated session.
type Conn struct {
	conn    *tls.Conn
	reader  *bufio.Reader
	timeout time.Duration
	welcome string
}

// Dial connects, completes the handshake and reads the welcome line.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	tlsConfig, err := buildTLSConfig(opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	if opts.LocalAddr != "" {
		ip := net.ParseIP(opts.LocalAddr)
		if ip == nil {
			return nil, fmt.Errorf("invalid local address %q", opts.LocalAddr)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}

	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
	raw, err := tlsDialer.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Address, err)
	}

	c := &Conn{
		conn:    raw.(*tls.Conn),
		reader:  bufio.NewReader(raw),
		timeout: timeout,
	}

	welcome, err := c.readLine()
	if err != nil {
		_ = c.conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if !strings.HasPrefix(welcome, "Welcome ") {
		_ = c.conn.Close()
		return nil, fmt.Errorf("unexpected welcome %q", welcome)
	}
	c.welcome = welcome
	return c, nil
}

func buildTLSConfig(opts Options) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: opts.Certificates,
		RootCAs:      opts.RootCAs,
		ServerName:   opts.ServerName,
	}

	if len(cfg.Certificates) == 0 && opts.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.RootCAs == nil {
		if opts.TrustAnchorFile == "" {
			return nil, errors.New("a trust anchor is required to verify the device")
		}
		pemData, err := os.ReadFile(opts.TrustAnchorFile)
		if err != nil {
			return nil, fmt.Errorf("read trust anchor: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates in %s", opts.TrustAnchorFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func (c *Conn) readLine() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// Welcome returns the greeting sent by the device, without the newline.
func (c *Conn) Welcome() string { return c.welcome }

// Send writes text and returns the device's one-line reply.
func (c *Conn) Send(text string) (string, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}
	if _, err := c.conn.Write([]byte(text)); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	return c.readLine()
}

// LocalAddr returns the local end of the connection.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close ends the session.
func (c *Conn) Close() error {
	return c.conn.Close()
}
