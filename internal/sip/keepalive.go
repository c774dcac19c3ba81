package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const (
	// keepaliveInterval is how often OPTIONS pings go out while the
	// binding is idle.
	keepaliveInterval = 30 * time.Second

	// keepaliveDeadAfter is how long the registrar may stay silent to
	// OPTIONS before the binding is declared dead.
	keepaliveDeadAfter = 90 * time.Second
)

// keepaliveLoop pings the registrar over the idle UDP path. Any
// response at all, 401 and plain failures included, proves the peer is
// alive; only prolonged silence kills the binding.
func (r *Registrar) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Only ping while registered and idle; an active call is
		// proof of life by itself.
		if !r.Registered() {
			continue
		}
		if r.activeCalls != nil && r.activeCalls() > 0 {
			r.markAlive()
			continue
		}

		if err := r.sendOptions(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("Keep-alive ping got no response", "error", err)

			r.mu.Lock()
			silent := time.Since(r.lastAlive)
			r.mu.Unlock()
			if silent >= keepaliveDeadAfter {
				select {
				case r.dead <- struct{}{}:
				default:
				}
			}
			continue
		}
		r.markAlive()
	}
}

func (r *Registrar) markAlive() {
	r.mu.Lock()
	r.lastAlive = time.Now()
	r.mu.Unlock()
}

// sendOptions sends one OPTIONS ping. A 401 challenge is answered once
// with credentials; every response counts as connection-alive.
func (r *Registrar) sendOptions(ctx context.Context) error {
	recipientStr := fmt.Sprintf("sip:%s:%d", r.cfg.Server, r.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport("UDP")

	pingCtx, cancel := context.WithTimeout(ctx, transactionTimeout)
	defer cancel()

	tx, err := r.client.TransactionRequest(pingCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}

	res, err := getResponse(pingCtx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		// Live response. Re-send once with credentials so the
		// registrar sees a clean ping.
		if err := r.sendAuthenticatedOptions(pingCtx, recipient, recipientStr, res); err != nil {
			r.log.Debug("Authenticated keep-alive failed", "error", err)
		}
	}

	return nil
}

func (r *Registrar) sendAuthenticatedOptions(ctx context.Context, recipient sip.Uri, recipientStr string, challenge *sip.Response) error {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	hdr := challenge.GetHeader(authHeader)
	if hdr == nil {
		return fmt.Errorf("challenge without %s header", authHeader)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return fmt.Errorf("parsing challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   sip.OPTIONS.String(),
		URI:      recipientStr,
		Username: r.cfg.Username,
		Password: r.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("computing digest: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport("UDP")
	req.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	_, err = getResponse(ctx, tx)
	return err
}
