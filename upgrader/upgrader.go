// Package upgrader composes transport -> security -> multistream-select ->
// muxer into the single upgrade pipeline of spec.md §4.5, gated at the
// dial/accept and secured stages by a gater.ConnectionGater.
package upgrader

import (
	"context"
	"errors"
	"fmt"

	"github.com/quorumkit/meshwire/gater"
	"github.com/quorumkit/meshwire/msmux"
	"github.com/quorumkit/meshwire/peer"
	"github.com/quorumkit/meshwire/security"
	"github.com/quorumkit/meshwire/transport"
	"github.com/quorumkit/meshwire/yamux"
)

// Errors, per spec.md §4.5/§7.
var (
	ErrNoSecurityUpgraders = errors.New("upgrader: no security upgraders configured")
	ErrNoMuxers            = errors.New("upgrader: no muxers configured")
)

// SecurityNegotiationFailed wraps a multistream-select failure while
// choosing a security protocol.
type SecurityNegotiationFailed struct{ Cause error }

func (e *SecurityNegotiationFailed) Error() string {
	return fmt.Sprintf("upgrader: security negotiation failed: %v", e.Cause)
}
func (e *SecurityNegotiationFailed) Unwrap() error { return e.Cause }

// MuxerNegotiationFailed wraps a multistream-select failure while choosing
// a muxer protocol.
type MuxerNegotiationFailed struct{ Cause error }

func (e *MuxerNegotiationFailed) Error() string {
	return fmt.Sprintf("upgrader: muxer negotiation failed: %v", e.Cause)
}
func (e *MuxerNegotiationFailed) Unwrap() error { return e.Cause }

// ConnectionGated reports a rejection from one of the gater's three hooks.
type ConnectionGated struct{ Stage string }

func (e *ConnectionGated) Error() string { return "upgrader: connection gated at " + e.Stage }

// Result is spec.md §4.5's UpgradeResult.
type Result struct {
	Connection     yamux.MuxedConnection
	SecurityProto  string
	MuxerProto     string
	RemotePeer     peer.ID
}

// Config lists the candidate security upgraders and muxer names, in
// preference order, plus the local identity and gater used during
// upgrades.
type Config struct {
	Local          peer.KeyPair
	SecurityStack  []security.Upgrader
	MuxerProtocols []string // names offered in negotiation; whichever is chosen, the session built is a yamux session
	Gater          gater.ConnectionGater
	MuxerConfig    yamux.Config
}

// Upgrader runs the pipeline of spec.md §4.5 over one RawConnection.
type Upgrader struct {
	cfg Config
}

// New builds an Upgrader. cfg.Gater may be nil (an always-allow gater is
// substituted).
func New(cfg Config) *Upgrader {
	if cfg.Gater == nil {
		cfg.Gater = gater.AllowAll{}
	}
	return &Upgrader{cfg: cfg}
}

// UpgradeOutbound runs the pipeline as the dialing side.
func (u *Upgrader) UpgradeOutbound(ctx context.Context, raw transport.Conn, expectedRemotePeer peer.ID) (*Result, error) {
	return u.upgrade(ctx, raw, security.Initiator, true, expectedRemotePeer)
}

// UpgradeInbound runs the pipeline as the accepting side.
func (u *Upgrader) UpgradeInbound(ctx context.Context, raw transport.Conn) (*Result, error) {
	return u.upgrade(ctx, raw, security.Responder, false, "")
}

func (u *Upgrader) upgrade(ctx context.Context, raw transport.Conn, role security.Role, outbound bool, expectedRemotePeer peer.ID) (*Result, error) {
	if len(u.cfg.SecurityStack) == 0 {
		return nil, ErrNoSecurityUpgraders
	}
	if len(u.cfg.MuxerProtocols) == 0 {
		return nil, ErrNoMuxers
	}

	if outbound {
		if !u.cfg.Gater.InterceptDial(expectedRemotePeer, raw.RemoteMultiaddr()) {
			return nil, &ConnectionGated{Stage: "dial"}
		}
	} else {
		if !u.cfg.Gater.InterceptAccept(raw.RemoteMultiaddr()) {
			return nil, &ConnectionGated{Stage: "accept"}
		}
	}

	secUpgrader, err := u.negotiateSecurity(raw, role)
	if err != nil {
		return nil, &SecurityNegotiationFailed{Cause: err}
	}

	secured, earlyMuxer, err := secUpgrader.Secure(ctx, raw, u.cfg.Local, role, expectedRemotePeer, u.cfg.MuxerProtocols)
	if err != nil {
		return nil, fmt.Errorf("upgrader: %s handshake: %w", secUpgrader.ProtocolID(), err)
	}

	direction := gater.Outbound
	if !outbound {
		direction = gater.Inbound
	}
	if !u.cfg.Gater.InterceptSecured(secured.RemotePeer(), direction) {
		secured.Close()
		return nil, &ConnectionGated{Stage: "secured"}
	}

	muxerProto := earlyMuxer
	if muxerProto == "" {
		muxerProto, err = u.negotiateMuxer(secured, role)
		if err != nil {
			secured.Close()
			return nil, &MuxerNegotiationFailed{Cause: err}
		}
	}

	session := yamux.NewSession(secured, u.cfg.MuxerConfig, outbound)
	return &Result{
		Connection:    yamux.AsMuxedConnection(session),
		SecurityProto: secUpgrader.ProtocolID(),
		MuxerProto:    muxerProto,
		RemotePeer:    secured.RemotePeer(),
	}, nil
}

func (u *Upgrader) negotiateSecurity(raw transport.Conn, role security.Role) (security.Upgrader, error) {
	ids := make([]string, len(u.cfg.SecurityStack))
	byID := make(map[string]security.Upgrader, len(u.cfg.SecurityStack))
	for i, s := range u.cfg.SecurityStack {
		ids[i] = s.ProtocolID()
		byID[s.ProtocolID()] = s
	}
	var selected string
	var err error
	if role == security.Initiator {
		selected, err = msmux.NegotiateInitiator(raw, ids)
	} else {
		selected, err = msmux.NegotiateResponder(raw, ids)
	}
	if err != nil {
		return nil, err
	}
	return byID[selected], nil
}

func (u *Upgrader) negotiateMuxer(secured security.Conn, role security.Role) (string, error) {
	if role == security.Initiator {
		return msmux.NegotiateInitiator(secured, u.cfg.MuxerProtocols)
	}
	return msmux.NegotiateResponder(secured, u.cfg.MuxerProtocols)
}
