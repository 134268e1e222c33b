package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T) (tls.Certificate, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "nas"},
		DNSNames:              []string{"nas"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, leaf
}

// serve accepts one connection, greets it with welcome and answers each
// read with "Echo: <data>".
func serve(t *testing.T, cert tls.Certificate, welcome string) string {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := conn.Write([]byte(welcome)); err != nil {
			return
		}
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write([]byte("Echo: " + string(buf[:n]) + "\n")); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func TestDialAndSend(t *testing.T) {
	cert, leaf := selfSigned(t)
	addr := serve(t, cert, "Welcome 127.0.0.1\n")

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	conn, err := Dial(context.Background(), Options{Address: addr, RootCAs: pool, ServerName: "nas", Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "Welcome 127.0.0.1", conn.Welcome())

	reply, err := conn.Send("hello")
	require.NoError(t, err)
	assert.Equal(t, "Echo: hello", reply)
}

func TestDialRejectsUnexpectedGreeting(t *testing.T) {
	cert, leaf := selfSigned(t)
	addr := serve(t, cert, "go away\n")

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	_, err := Dial(context.Background(), Options{Address: addr, RootCAs: pool, ServerName: "nas", Timeout: 2 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected welcome")
}

func TestDialRejectsUntrustedDevice(t *testing.T) {
	cert, _ := selfSigned(t)
	addr := serve(t, cert, "Welcome 127.0.0.1\n")

	_, other := selfSigned(t)
	pool := x509.NewCertPool()
	pool.AddCert(other)

	_, err := Dial(context.Background(), Options{Address: addr, RootCAs: pool, ServerName: "nas", Timeout: 2 * time.Second})
	assert.Error(t, err)
}

func TestBuildTLSConfig(t *testing.T) {
	t.Run("trust anchor required", func(t *testing.T) {
		_, err := buildTLSConfig(Options{})
		assert.Error(t, err)
	})

	t.Run("missing trust anchor file", func(t *testing.T) {
		_, err := buildTLSConfig(Options{TrustAnchorFile: filepath.Join(t.TempDir(), "missing.pem")})
		assert.Error(t, err)
	})

	t.Run("file without certificates", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a pem"), 0o600))
		_, err := buildTLSConfig(Options{TrustAnchorFile: path})
		assert.Error(t, err)
	})

	t.Run("trust anchor from file", func(t *testing.T) {
		_, leaf := selfSigned(t)
		path := filepath.Join(t.TempDir(), "anchor.pem")
		data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})
		require.NoError(t, os.WriteFile(path, data, 0o600))

		cfg, err := buildTLSConfig(Options{TrustAnchorFile: path})
		require.NoError(t, err)
		assert.NotNil(t, cfg.RootCAs)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	})

	t.Run("invalid local address", func(t *testing.T) {
		_, leaf := selfSigned(t)
		pool := x509.NewCertPool()
		pool.AddCert(leaf)
		_, err := Dial(context.Background(), Options{Address: "127.0.0.1:1", RootCAs: pool, LocalAddr: "nope"})
		assert.Error(t, err)
	})
}
