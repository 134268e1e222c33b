package controller

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/marmos91/dittogate/internal/logger"
)

// buildTLSConfig loads the device identity and the trust anchor. Clients
// must present a certificate that chains to the anchor.
func buildTLSConfig(c Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load device certificate: %w", err)
	}

	pemData, err := os.ReadFile(c.TrustAnchorFile)
	if err != nil {
		return nil, fmt.Errorf("read trust anchor: %w", err)
	}

	pool := x509.NewCertPool()
	anchors := 0
	for rest := pemData; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		anchor, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse trust anchor: %w", err)
		}
		pool.AddCert(anchor)
		anchors++
		logger.Debug("TLS: trusting %q (CA=%v)", anchor.Subject.CommonName, anchor.IsCA)
	}
	if anchors == 0 {
		return nil, fmt.Errorf("no certificates in trust anchor %s", c.TrustAnchorFile)
	}
	if anchors == 1 {
		logger.Info("TLS: single trust anchor pinned; admitting more client identities requires a CA")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
