package controller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittogate/internal/logger"
	"github.com/marmos91/dittogate/pkg/audit"
	"github.com/marmos91/dittogate/pkg/gate/export"
	"github.com/marmos91/dittogate/pkg/gate/firewall"
	"github.com/marmos91/dittogate/pkg/ledger"
	"github.com/marmos91/dittogate/pkg/metrics"
	"github.com/marmos91/dittogate/pkg/session"
)

// grant couples the firewall rule and the export entry of one session.
type grant struct {
	c       *Controller
	sess    session.Session
	fw      *firewall.Handle
	exports *export.Handle
	entry   ledger.Entry

	once sync.Once
}

func (g *grant) complete() bool {
	return g.fw.Applied() && g.exports.Applied()
}

// acquireGrant applies both halves. The ledger entry is written before the
// first half so that a crash in between leaves a record to revoke.
func (c *Controller) acquireGrant(sess session.Session) *grant {
	ctx, cancel := toolContext()
	defer cancel()

	g := &grant{
		c:    c,
		sess: sess,
		entry: ledger.Entry{
			Address:      sess.Address,
			SessionID:    sess.ID,
			CommonName:   sess.Identity.CommonName,
			FirewallRule: firewall.RuleID(sess.Address),
			GrantedAt:    time.Now(),
		},
	}

	if err := c.deps.Ledger.Record(ctx, g.entry); err != nil {
		logger.Warn("Controller: ledger write for %s failed: %v", sess.Address, err)
	}

	var errs []error

	fw, err := c.deps.Firewall.Allow(sess.Address)
	c.deps.Metrics.RecordGrant(metrics.HalfFirewall, err)
	if err != nil {
		errs = append(errs, fmt.Errorf("firewall: %w", err))
	}
	g.fw = fw

	ex, err := c.deps.Exports.Export(ctx, sess.Address)
	c.deps.Metrics.RecordGrant(metrics.HalfExport, err)
	if err != nil {
		errs = append(errs, fmt.Errorf("export: %w", err))
	}
	g.exports = ex

	g.entry.FirewallOK = fw.Applied()
	g.entry.ExportOK = ex.Applied()
	if err := c.deps.Ledger.Record(ctx, g.entry); err != nil {
		logger.Warn("Controller: ledger update for %s failed: %v", sess.Address, err)
	}

	if joined := errors.Join(errs...); joined != nil {
		logger.Warn("Controller: grant for %s incomplete (firewall=%v, export=%v): %v",
			sess.Address, fw.Applied(), ex.Applied(), joined)
		c.deps.Metrics.RecordConsistencyWarning("partial_grant")
		c.deps.Audit.Record(ctx, audit.Event{
			Time:        time.Now(),
			Type:        audit.GrantFailed,
			SessionID:   sess.ID,
			Address:     sess.Address,
			CommonName:  sess.Identity.CommonName,
			Fingerprint: sess.Identity.Fingerprint,
			Detail:      joined.Error(),
		})
	} else {
		logger.Info("Controller: grant applied for %s (%s)", sess.Address, g.entry.FirewallRule)
	}

	return g
}

// release revokes the export then the firewall rule. Both are attempted even
// if the first fails. The ledger entry is kept when anything failed so the
// next start retries.
func (g *grant) release() {
	g.once.Do(func() {
		c := g.c
		ctx, cancel := toolContext()
		defer cancel()

		exErr := g.exports.Release(ctx)
		c.deps.Metrics.RecordRevocation(metrics.HalfExport, exErr)

		fwErr := g.fw.Release()
		c.deps.Metrics.RecordRevocation(metrics.HalfFirewall, fwErr)

		event := audit.Event{
			Time:        time.Now(),
			Type:        audit.GrantRevoked,
			SessionID:   g.sess.ID,
			Address:     g.sess.Address,
			CommonName:  g.sess.Identity.CommonName,
			Fingerprint: g.sess.Identity.Fingerprint,
		}

		if err := errors.Join(exErr, fwErr); err != nil {
			logger.Error("Controller: revocation for %s incomplete: %v", g.sess.Address, err)
			c.deps.Metrics.RecordConsistencyWarning("partial_revocation")
			event.Type = audit.RevocationFailed
			event.Detail = err.Error()
			c.deps.Audit.Record(ctx, event)
			return
		}

		if err := c.deps.Ledger.Delete(ctx, g.sess.Address); err != nil {
			logger.Warn("Controller: ledger delete for %s failed: %v", g.sess.Address, err)
		}
		c.deps.Audit.Record(ctx, event)
		logger.Info("Controller: grant revoked for %s", g.sess.Address)
	})
}
