package controller

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"runtime/debug"
	"strings"
	"time"

	"github.com/marmos91/dittogate/internal/logger"
	"github.com/marmos91/dittogate/pkg/audit"
	"github.com/marmos91/dittogate/pkg/metrics"
	"github.com/marmos91/dittogate/pkg/session"
)

// readBufferSize is the largest message read from a session at once.
const readBufferSize = 1024

// UnsupportedReply answers file-operation commands; data moves over NFS.
const UnsupportedReply = "File operations are unsupported; mount the NFS share instead.\n"

// Respond returns the reply to one message received on a session.
func Respond(message string) string {
	text := strings.TrimSpace(message)
	if text == "LIST_FILES" || text == "READ_FILE" || strings.HasPrefix(text, "READ_FILE:") {
		return UnsupportedReply
	}
	return "ACK: " + text + "\n"
}

// WelcomeLine is the first line sent on an authenticated session.
func WelcomeLine(commonName string) string {
	return fmt.Sprintf("Welcome %s!\n", commonName)
}

func peerAddress(conn net.Conn) (string, int, error) {
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return "", 0, fmt.Errorf("parse peer address %s: %w", conn.RemoteAddr(), err)
	}
	return ap.Addr().Unmap().String(), int(ap.Port()), nil
}

// handleConn owns one accepted connection from handshake to cleanup.
func (c *Controller) handleConn(conn net.Conn) {
	c.connections.Store(conn, struct{}{})

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Controller: panic serving %s: %v\n%s", conn.RemoteAddr(), r, debug.Stack())
		}
		_ = conn.Close()
		c.connections.Delete(conn)
		c.connCount.Add(-1)
		c.activeConns.Done()
	}()

	address, port, err := peerAddress(conn)
	if err != nil {
		logger.Warn("Controller: %v", err)
		return
	}

	if reason := c.admit(address); reason != "" {
		logger.Debug("Controller: dropping %s before handshake: %s", address, reason)
		c.deps.Metrics.RecordConnectionRejected(reason)
		c.deps.Audit.Record(context.Background(), audit.Event{
			Time:    time.Now(),
			Type:    audit.ConnectionRejected,
			Address: address,
			Detail:  reason,
		})
		return
	}

	tlsConfig := c.tlsConfig.Load()
	if tlsConfig == nil {
		logger.Error("Controller: no TLS configuration loaded, dropping %s", address)
		return
	}

	tlsConn := tls.Server(conn, tlsConfig)
	identity, err := c.handshake(tlsConn)
	if err != nil {
		outcome := metrics.HandshakeFailed
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = metrics.HandshakeTimeout
		}
		logger.Warn("Controller: handshake with %s:%d failed: %v", address, port, err)
		c.deps.Metrics.RecordHandshake(outcome)
		c.deps.Audit.Record(context.Background(), audit.Event{
			Time:    time.Now(),
			Type:    audit.HandshakeFailed,
			Address: address,
			Detail:  err.Error(),
		})
		return
	}
	c.deps.Metrics.RecordHandshake(metrics.HandshakeOK)

	c.serveSession(tlsConn, address, port, identity)
}

// admit applies the source filter and the handshake rate limit. It returns
// the rejection reason, or "" when the peer may proceed.
func (c *Controller) admit(address string) string {
	if c.allowed != nil {
		addr, err := netip.ParseAddr(address)
		if err != nil || !c.allowed.Contains(addr) {
			return "source_not_allowed"
		}
	}
	if !c.limiter.Allow(address) {
		return "rate_limited"
	}
	return ""
}

func (c *Controller) handshake(conn *tls.Conn) (session.Identity, error) {
	ctx, cancel := context.WithTimeout(c.connCtx, c.config.HandshakeTimeout)
	defer cancel()

	if err := conn.HandshakeContext(ctx); err != nil {
		return session.Identity{}, err
	}

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return session.Identity{}, errors.New("no client certificate")
	}
	return session.IdentityFromCertificate(certs[0]), nil
}

// serveSession registers the session, applies its grant, and runs the
// message loop. The deferred calls revoke the grant before the session is
// removed, on every exit path.
func (c *Controller) serveSession(conn *tls.Conn, address string, port int, identity session.Identity) {
	sess, err := c.openSession(address, port, identity)
	if err != nil {
		logger.Warn("Controller: rejecting %s (%s): %v", address, identity.CommonName, err)
		reason := "shutting_down"
		if errors.Is(err, session.ErrSessionExists) {
			reason = "duplicate_session"
		}
		c.deps.Metrics.RecordConnectionRejected(reason)
		c.deps.Audit.Record(context.Background(), audit.Event{
			Time:        time.Now(),
			Type:        audit.SessionRejected,
			Address:     address,
			CommonName:  identity.CommonName,
			Fingerprint: identity.Fingerprint,
			Detail:      err.Error(),
		})
		return
	}
	defer c.closeSession(sess)

	g := c.acquireGrant(sess)
	defer g.release()

	if !g.complete() && c.config.GrantFailurePolicy == PolicyAbort {
		logger.Warn("Controller: closing session %s for %s: grant incomplete", sess.ID, address)
		return
	}

	if err := c.write(conn, WelcomeLine(identity.CommonName)); err != nil {
		logger.Debug("Controller: welcome to %s failed: %v", address, err)
		return
	}

	c.messageLoop(conn, sess)
}

func (c *Controller) write(conn net.Conn, text string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.config.InactivityTimeout)); err != nil {
		return err
	}
	_, err := conn.Write([]byte(text))
	return err
}

func (c *Controller) messageLoop(conn net.Conn, sess session.Session) {
	buf := make([]byte, readBufferSize)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.config.InactivityTimeout)); err != nil {
			logger.Debug("Controller: set read deadline for %s: %v", sess.Address, err)
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			c.sessions.Touch(sess.Address)
			if werr := c.write(conn, Respond(string(buf[:n]))); werr != nil {
				logger.Debug("Controller: reply to %s failed: %v", sess.Address, werr)
				return
			}
		}

		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug("Controller: %s closed the session", sess.Address)
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Info("Controller: session %s for %s timed out after %v of inactivity",
					sess.ID, sess.Address, c.config.InactivityTimeout)
			case errors.Is(err, net.ErrClosed):
				logger.Debug("Controller: session %s for %s closed during shutdown", sess.ID, sess.Address)
			default:
				logger.Debug("Controller: read from %s: %v", sess.Address, err)
			}
			return
		}
	}
}

// openSession registers a session and, for the first one, moves the device
// to ACTIVE.
func (c *Controller) openSession(address string, port int, identity session.Identity) (session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown.Load() {
		return session.Session{}, errors.New("device is shutting down")
	}

	sess, err := c.sessions.Create(address, port, identity)
	if err != nil {
		return session.Session{}, err
	}

	count := c.sessions.Count()
	c.deps.Metrics.SetActiveSessions(count)
	logger.Info("Controller: session %s opened for %s (%s), %d active",
		sess.ID, address, identity.CommonName, count)
	c.deps.Audit.Record(context.Background(), audit.Event{
		Time:        sess.ConnectedAt,
		Type:        audit.SessionOpened,
		SessionID:   sess.ID,
		Address:     address,
		CommonName:  identity.CommonName,
		Fingerprint: identity.Fingerprint,
	})

	if c.machine.Is(Active) {
		c.refreshAdvertisement(count)
	} else if _, err := c.machine.TransitionTo(Active); err != nil {
		logger.Error("Controller: enter active: %v", err)
	}
	return sess, nil
}

// closeSession removes the session and, when it was the last one, moves
// the device back to ADVERTISING unless it is shutting down.
func (c *Controller) closeSession(sess session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions.Remove(sess.Address)
	count := c.sessions.Count()
	c.deps.Metrics.SetActiveSessions(count)

	logger.Info("Controller: session %s for %s closed after %v, %d active",
		sess.ID, sess.Address, time.Since(sess.ConnectedAt).Round(time.Millisecond), count)
	c.deps.Audit.Record(context.Background(), audit.Event{
		Time:        time.Now(),
		Type:        audit.SessionClosed,
		SessionID:   sess.ID,
		Address:     sess.Address,
		CommonName:  sess.Identity.CommonName,
		Fingerprint: sess.Identity.Fingerprint,
	})

	switch {
	case count == 0 && !c.shuttingDown.Load():
		if _, err := c.machine.TransitionTo(Advertising); err != nil {
			logger.Error("Controller: return to advertising: %v", err)
		}
	case count > 0 && c.machine.Is(Active):
		c.refreshAdvertisement(count)
	}
}

func (c *Controller) refreshAdvertisement(count int) {
	if err := c.deps.Advertiser.StartActive(count); err != nil {
		logger.Warn("Controller: advertise %d client(s): %v", count, err)
	}
}
