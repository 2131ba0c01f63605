// Package peering establishes and tears down bilateral bridge-to-bridge
// links between two VPCs: a registry of pairings between two VPCs'
// bridges, named by pkg/namer's canonical peer-<a>-<b> scheme.
package peering

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/glennswest/vpcctl/pkg/hostexec"
	"github.com/glennswest/vpcctl/pkg/namer"
	"github.com/glennswest/vpcctl/pkg/vpcstate"
)

// ErrSameVPC is returned when a and b name the same VPC.
var ErrSameVPC = errors.New("cannot peer a VPC with itself")

// Manager establishes and removes peerings between VPC records.
type Manager struct {
	exec  *hostexec.Executor
	store *vpcstate.Store
	log   *zap.SugaredLogger
}

// New returns a Manager backed by exec and store.
func New(exec *hostexec.Executor, store *vpcstate.Store, log *zap.SugaredLogger) *Manager {
	return &Manager{exec: exec, store: store, log: log.Named("peering")}
}

// Peer establishes a bidirectional peering between vpcAName and
// vpcBName: a canonically-named veth pair bridges the two, routes for
// every allowed CIDR are installed on both bridges, and both VPC records
// gain a symmetric Peering entry.
func (m *Manager) Peer(ctx context.Context, vpcAName, vpcBName string, allowedCIDRs []string) error {
	if vpcAName == vpcBName {
		return ErrSameVPC
	}

	vpcA, err := m.store.Get(vpcAName)
	if err != nil {
		return fmt.Errorf("loading VPC %s: %w", vpcAName, err)
	}
	vpcB, err := m.store.Get(vpcBName)
	if err != nil {
		return fmt.Errorf("loading VPC %s: %w", vpcBName, err)
	}

	lo, _, loEnd, hiEnd := namer.PeerPair(vpcAName, vpcBName)
	loVPC, hiVPC := vpcA, vpcB
	if lo != vpcAName {
		loVPC, hiVPC = vpcB, vpcA
	}

	if _, err := m.exec.EnsureVeth(ctx, loEnd, hiEnd); err != nil {
		return fmt.Errorf("creating peering link %s/%s: %w", loEnd, hiEnd, err)
	}
	if _, err := m.exec.AttachToBridge(ctx, loEnd, loVPC.Bridge); err != nil {
		return fmt.Errorf("attaching %s to bridge %s: %w", loEnd, loVPC.Bridge, err)
	}
	if _, err := m.exec.AttachToBridge(ctx, hiEnd, hiVPC.Bridge); err != nil {
		return fmt.Errorf("attaching %s to bridge %s: %w", hiEnd, hiVPC.Bridge, err)
	}
	if _, err := m.exec.SetUp(ctx, loEnd); err != nil {
		return fmt.Errorf("bringing up %s: %w", loEnd, err)
	}
	if _, err := m.exec.SetUp(ctx, hiEnd); err != nil {
		return fmt.Errorf("bringing up %s: %w", hiEnd, err)
	}

	for _, cidr := range allowedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, err := m.exec.AddRoute(ctx, "", cidr, loVPC.Bridge, ""); err != nil {
			return fmt.Errorf("routing %s via %s: %w", cidr, loVPC.Bridge, err)
		}
		if _, err := m.exec.AddRoute(ctx, "", cidr, hiVPC.Bridge, ""); err != nil {
			return fmt.Errorf("routing %s via %s: %w", cidr, hiVPC.Bridge, err)
		}
	}

	vpcA.Peerings[vpcBName] = &vpcstate.Peering{
		PeerVPC:      vpcBName,
		LocalLink:    linkFor(vpcAName, lo, loEnd, hiEnd),
		RemoteLink:   linkFor(vpcBName, lo, loEnd, hiEnd),
		AllowedCIDRs: allowedCIDRs,
	}
	vpcB.Peerings[vpcAName] = &vpcstate.Peering{
		PeerVPC:      vpcAName,
		LocalLink:    linkFor(vpcBName, lo, loEnd, hiEnd),
		RemoteLink:   linkFor(vpcAName, lo, loEnd, hiEnd),
		AllowedCIDRs: allowedCIDRs,
	}

	if err := m.store.Put(vpcA); err != nil {
		return fmt.Errorf("saving VPC %s: %w", vpcAName, err)
	}
	if err := m.store.Put(vpcB); err != nil {
		return fmt.Errorf("saving VPC %s: %w", vpcBName, err)
	}

	m.log.Infow("peering established", "vpc_a", vpcAName, "vpc_b", vpcBName, "allowed_cidrs", allowedCIDRs)
	return nil
}

func linkFor(vpcName, lo, loEnd, hiEnd string) string {
	if vpcName == lo {
		return loEnd
	}
	return hiEnd
}

// Remove tears down one side of a peering on behalf of vpc being deleted:
// its own link endpoint is deleted, and the peer's record loses the
// matching Peerings entry. Never returns an error that should abort a
// teardown in progress — all failures are logged and swallowed, matching
// delete-vpc's best-effort discipline.
func (m *Manager) Remove(ctx context.Context, vpc *vpcstate.VPC, peerName string) {
	p, ok := vpc.Peerings[peerName]
	if !ok {
		return
	}

	if _, err := m.exec.DeleteLink(ctx, p.LocalLink); err != nil {
		m.log.Warnw("failed to delete peering link", "link", p.LocalLink, "error", err.Error())
	}
	for _, cidr := range p.AllowedCIDRs {
		if _, err := m.exec.DeleteRoute(ctx, "", cidr, vpc.Bridge); err != nil {
			m.log.Warnw("failed to delete peering route", "cidr", cidr, "bridge", vpc.Bridge, "error", err.Error())
		}
	}

	peer, err := m.store.Get(peerName)
	if err != nil {
		m.log.Warnw("failed to load peer VPC while removing peering", "peer", peerName, "error", err.Error())
		return
	}
	delete(peer.Peerings, vpc.Name)
	if err := m.store.Put(peer); err != nil {
		m.log.Warnw("failed to save peer VPC after removing peering", "peer", peerName, "error", err.Error())
	}
}
