// Package hostexec is the single seam through which this program mutates
// live host networking state. Every other component reaches the kernel
// only through an Executor; nothing else calls netlink or shells out
// directly. Bridge, veth, and host-side link/address primitives go through
// github.com/vishvananda/netlink, and moving a link into a namespace uses
// github.com/vishvananda/netns. Namespace creation and deletion,
// in-namespace link/address commands, and routes shell out to "ip";
// forwarding switches shell out to sysctl. iptables has no netlink-native
// Go binding, so NAT and packet-filter primitives shell out to the
// iptables binary: masquerade rules are checked before they are added,
// filter rules are plain appends.
package hostexec

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"
)

// Outcome describes how an Executor call landed, so callers can tell a
// fresh mutation from a no-op repeat of one that already happened.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeAlreadyExists
	OutcomeNotFound
	OutcomeDenied
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyExists:
		return "already-exists"
	case OutcomeNotFound:
		return "not-found"
	case OutcomeDenied:
		return "denied"
	default:
		return "error"
	}
}

// ErrPermission is returned (wrapped) when a mutation requires privileges
// the running process does not have.
var ErrPermission = errors.New("insufficient privileges")

// RequirePrivileges fails fast if the process is not running as root.
func RequirePrivileges() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%w: vpcctl must run as root to modify host networking", ErrPermission)
	}
	return nil
}

// Executor applies host networking mutations via netlink and iptables.
type Executor struct {
	log *zap.SugaredLogger
}

// New returns an Executor that logs through log.
func New(log *zap.SugaredLogger) *Executor {
	return &Executor{log: log.Named("hostexec")}
}

// ─── Bridges ──────────────────────────────────────────────────────────────

// EnsureBridge creates a bridge interface and brings it up, returning
// OutcomeAlreadyExists if the link is already present as a bridge.
func (e *Executor) EnsureBridge(ctx context.Context, name string) (Outcome, error) {
	if existing, err := netlink.LinkByName(name); err == nil {
		if _, ok := existing.(*netlink.Bridge); ok {
			return OutcomeAlreadyExists, nil
		}
		return OutcomeError, fmt.Errorf("link %s exists and is not a bridge", name)
	}

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		return OutcomeError, fmt.Errorf("creating bridge %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return OutcomeError, fmt.Errorf("bringing up bridge %s: %w", name, err)
	}
	e.log.Infow("bridge created", "name", name)
	return OutcomeApplied, nil
}

// DeleteBridge removes a bridge link. A missing bridge is reported as
// OutcomeNotFound, not an error, so repeated teardown calls stay benign.
func (e *Executor) DeleteBridge(ctx context.Context, name string) (Outcome, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return OutcomeNotFound, nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return OutcomeError, fmt.Errorf("deleting bridge %s: %w", name, err)
	}
	e.log.Infow("bridge deleted", "name", name)
	return OutcomeApplied, nil
}

// AssignAddress adds an IPv4 address (CIDR form) to a link, idempotently.
func (e *Executor) AssignAddress(ctx context.Context, link, cidr string) (Outcome, error) {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return OutcomeError, fmt.Errorf("looking up link %s: %w", link, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return OutcomeError, fmt.Errorf("parsing address %s: %w", cidr, err)
	}
	existing, err := netlink.AddrList(l, netlink.FAMILY_V4)
	if err == nil {
		for _, a := range existing {
			if a.IPNet.String() == addr.IPNet.String() {
				return OutcomeAlreadyExists, nil
			}
		}
	}
	if err := netlink.AddrAdd(l, addr); err != nil {
		return OutcomeError, fmt.Errorf("assigning address %s to %s: %w", cidr, link, err)
	}
	e.log.Infow("address assigned", "link", link, "cidr", cidr)
	return OutcomeApplied, nil
}

// ─── Veth pairs ───────────────────────────────────────────────────────────

// EnsureVeth creates a veth pair (hostSide, peerSide) if neither end
// already exists.
func (e *Executor) EnsureVeth(ctx context.Context, hostSide, peerSide string) (Outcome, error) {
	if _, err := netlink.LinkByName(hostSide); err == nil {
		return OutcomeAlreadyExists, nil
	}
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostSide},
		PeerName:  peerSide,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return OutcomeError, fmt.Errorf("creating veth pair %s/%s: %w", hostSide, peerSide, err)
	}
	e.log.Infow("veth pair created", "host", hostSide, "peer", peerSide)
	return OutcomeApplied, nil
}

// AttachToBridge sets a link's master to the given bridge.
func (e *Executor) AttachToBridge(ctx context.Context, link, bridge string) (Outcome, error) {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return OutcomeError, fmt.Errorf("looking up link %s: %w", link, err)
	}
	if l.Attrs().MasterIndex > 0 {
		master, err := netlink.LinkByIndex(l.Attrs().MasterIndex)
		if err == nil && master.Attrs().Name == bridge {
			return OutcomeAlreadyExists, nil
		}
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return OutcomeError, fmt.Errorf("looking up bridge %s: %w", bridge, err)
	}
	if err := netlink.LinkSetMaster(l, br); err != nil {
		return OutcomeError, fmt.Errorf("attaching %s to bridge %s: %w", link, bridge, err)
	}
	e.log.Infow("link attached to bridge", "link", link, "bridge", bridge)
	return OutcomeApplied, nil
}

// SetUp brings a link up.
func (e *Executor) SetUp(ctx context.Context, link string) (Outcome, error) {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return OutcomeError, fmt.Errorf("looking up link %s: %w", link, err)
	}
	if l.Attrs().Flags&net.FlagUp != 0 {
		return OutcomeAlreadyExists, nil
	}
	if err := netlink.LinkSetUp(l); err != nil {
		return OutcomeError, fmt.Errorf("bringing up link %s: %w", link, err)
	}
	return OutcomeApplied, nil
}

// DeleteLink removes any link by name, reporting a missing link as
// OutcomeNotFound.
func (e *Executor) DeleteLink(ctx context.Context, name string) (Outcome, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return OutcomeNotFound, nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return OutcomeError, fmt.Errorf("deleting link %s: %w", name, err)
	}
	e.log.Infow("link deleted", "name", name)
	return OutcomeApplied, nil
}

// ─── Namespaces ───────────────────────────────────────────────────────────

// EnsureNamespace creates a named network namespace (via "ip netns add",
// which also bind-mounts it under /var/run/netns) and brings its loopback
// interface up.
func (e *Executor) EnsureNamespace(ctx context.Context, name string) (Outcome, error) {
	if namespaceExists(name) {
		return OutcomeAlreadyExists, nil
	}
	if out, err := exec.CommandContext(ctx, "ip", "netns", "add", name).CombinedOutput(); err != nil {
		return OutcomeError, fmt.Errorf("creating namespace %s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	if out, err := namespacedCmd(ctx, name, "ip", "link", "set", "dev", "lo", "up").CombinedOutput(); err != nil {
		return OutcomeError, fmt.Errorf("bringing up loopback in namespace %s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	e.log.Infow("namespace created", "name", name)
	return OutcomeApplied, nil
}

// DeleteNamespace removes a named network namespace.
func (e *Executor) DeleteNamespace(ctx context.Context, name string) (Outcome, error) {
	if !namespaceExists(name) {
		return OutcomeNotFound, nil
	}
	if out, err := exec.CommandContext(ctx, "ip", "netns", "delete", name).CombinedOutput(); err != nil {
		return OutcomeError, fmt.Errorf("deleting namespace %s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	e.log.Infow("namespace deleted", "name", name)
	return OutcomeApplied, nil
}

// MoveLinkToNamespace moves a link into a named namespace.
func (e *Executor) MoveLinkToNamespace(ctx context.Context, link, namespace string) (Outcome, error) {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return OutcomeNotFound, nil
	}
	nsHandle, err := netns.GetFromName(namespace)
	if err != nil {
		return OutcomeError, fmt.Errorf("opening namespace %s: %w", namespace, err)
	}
	defer nsHandle.Close()
	if err := netlink.LinkSetNsFd(l, int(nsHandle)); err != nil {
		return OutcomeError, fmt.Errorf("moving %s into namespace %s: %w", link, namespace, err)
	}
	e.log.Infow("link moved into namespace", "link", link, "namespace", namespace)
	return OutcomeApplied, nil
}

// SetUpInNamespace brings a link up inside a named namespace, shelling
// through "ip netns exec".
func (e *Executor) SetUpInNamespace(ctx context.Context, namespace, link string) (Outcome, error) {
	out, err := namespacedCmd(ctx, namespace, "ip", "link", "show", link, "up").CombinedOutput()
	if err == nil && strings.Contains(string(out), link) {
		return OutcomeAlreadyExists, nil
	}
	out, err = namespacedCmd(ctx, namespace, "ip", "link", "set", "dev", link, "up").CombinedOutput()
	if err != nil {
		return OutcomeError, fmt.Errorf("bringing up %s in namespace %s: %w (%s)", link, namespace, err, strings.TrimSpace(string(out)))
	}
	return OutcomeApplied, nil
}

// AssignAddressInNamespace adds an IPv4 address to a link inside a named
// namespace, idempotently.
func (e *Executor) AssignAddressInNamespace(ctx context.Context, namespace, link, cidr string) (Outcome, error) {
	out, err := namespacedCmd(ctx, namespace, "ip", "addr", "show", "dev", link).CombinedOutput()
	if err == nil && strings.Contains(string(out), cidr) {
		return OutcomeAlreadyExists, nil
	}
	out, err = namespacedCmd(ctx, namespace, "ip", "addr", "add", cidr, "dev", link).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "File exists") {
			return OutcomeAlreadyExists, nil
		}
		return OutcomeError, fmt.Errorf("assigning address %s to %s in namespace %s: %w (%s)", cidr, link, namespace, err, strings.TrimSpace(string(out)))
	}
	return OutcomeApplied, nil
}

func namespaceExists(name string) bool {
	out, err := exec.Command("ip", "netns", "list").CombinedOutput()
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == name {
			return true
		}
	}
	return false
}

// namespacedCmd builds an exec.Cmd that runs cmd/args either directly or,
// when namespace is non-empty, under "ip netns exec <namespace>".
func namespacedCmd(ctx context.Context, namespace, cmd string, args ...string) *exec.Cmd {
	if namespace == "" {
		return exec.CommandContext(ctx, cmd, args...)
	}
	full := append([]string{"netns", "exec", namespace, cmd}, args...)
	return exec.CommandContext(ctx, "ip", full...)
}

// AddRoute adds a route for cidr via a device (dev-scoped, no gateway) or
// via a gateway IP, optionally inside a namespace.
func (e *Executor) AddRoute(ctx context.Context, namespace, cidr, dev, via string) (Outcome, error) {
	args := []string{"route", "add", cidr}
	if via != "" {
		args = append(args, "via", via)
	}
	if dev != "" {
		args = append(args, "dev", dev)
	}
	out, err := namespacedCmd(ctx, namespace, "ip", args...).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "File exists") {
			return OutcomeAlreadyExists, nil
		}
		return OutcomeError, fmt.Errorf("adding route %s: %w (%s)", cidr, err, strings.TrimSpace(string(out)))
	}
	e.log.Infow("route added", "namespace", namespace, "cidr", cidr, "dev", dev, "via", via)
	return OutcomeApplied, nil
}

// DeleteRoute removes a route for cidr, ignoring a missing route.
func (e *Executor) DeleteRoute(ctx context.Context, namespace, cidr, dev string) (Outcome, error) {
	args := []string{"route", "del", cidr}
	if dev != "" {
		args = append(args, "dev", dev)
	}
	out, err := namespacedCmd(ctx, namespace, "ip", args...).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "No such process") {
			return OutcomeNotFound, nil
		}
		return OutcomeError, fmt.Errorf("deleting route %s: %w (%s)", cidr, err, strings.TrimSpace(string(out)))
	}
	return OutcomeApplied, nil
}

// EnableForwarding turns on IPv4 forwarding for a single interface via
// sysctl.
func (e *Executor) EnableForwarding(ctx context.Context, iface string) error {
	key := fmt.Sprintf("net.ipv4.conf.%s.forwarding=1", iface)
	out, err := exec.CommandContext(ctx, "sysctl", "-w", key).CombinedOutput()
	if err != nil {
		return fmt.Errorf("enabling forwarding on %s: %w (%s)", iface, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// EnableGlobalForwarding turns on host-wide IPv4 forwarding, idempotently
// (sysctl -w is safe to repeat).
func (e *Executor) EnableGlobalForwarding(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1").CombinedOutput()
	if err != nil {
		return fmt.Errorf("enabling global IPv4 forwarding: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ListLinksWithPrefix returns the names of all links whose name starts
// with prefix, used by teardown-all's orphan sweep.
func (e *Executor) ListLinksWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	var out []string
	for _, l := range links {
		if strings.HasPrefix(l.Attrs().Name, prefix) {
			out = append(out, l.Attrs().Name)
		}
	}
	return out, nil
}

// ListNamespacesWithPrefix returns the names of all named network
// namespaces starting with prefix, used by teardown-all's orphan sweep.
func (e *Executor) ListNamespacesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	out, err := exec.CommandContext(ctx, "ip", "netns", "list").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.HasPrefix(fields[0], prefix) {
			names = append(names, fields[0])
		}
	}
	return names, nil
}

// ─── iptables ─────────────────────────────────────────────────────────────

// EnsureMasquerade adds a POSTROUTING MASQUERADE rule for traffic sourced
// from cidr leaving via outIface, checking first so repeat calls are
// no-ops.
func (e *Executor) EnsureMasquerade(ctx context.Context, cidr, outIface string) (Outcome, error) {
	checkArgs := []string{"-t", "nat", "-C", "POSTROUTING", "-s", cidr, "-o", outIface, "-j", "MASQUERADE"}
	if err := exec.CommandContext(ctx, "iptables", checkArgs...).Run(); err == nil {
		return OutcomeAlreadyExists, nil
	}
	addArgs := []string{"-t", "nat", "-A", "POSTROUTING", "-s", cidr, "-o", outIface, "-j", "MASQUERADE"}
	out, err := exec.CommandContext(ctx, "iptables", addArgs...).CombinedOutput()
	if err != nil {
		return OutcomeError, fmt.Errorf("adding masquerade rule for %s via %s: %w (%s)", cidr, outIface, err, strings.TrimSpace(string(out)))
	}
	e.log.Infow("masquerade rule added", "cidr", cidr, "iface", outIface)
	return OutcomeApplied, nil
}

// DeleteMasquerade removes the POSTROUTING MASQUERADE rule for cidr,
// ignoring a missing rule.
func (e *Executor) DeleteMasquerade(ctx context.Context, cidr, outIface string) (Outcome, error) {
	args := []string{"-t", "nat", "-D", "POSTROUTING", "-s", cidr, "-o", outIface, "-j", "MASQUERADE"}
	out, err := exec.CommandContext(ctx, "iptables", args...).CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "Bad rule") || strings.Contains(string(out), "does a matching rule exist") {
			return OutcomeNotFound, nil
		}
		return OutcomeError, fmt.Errorf("deleting masquerade rule for %s via %s: %w (%s)", cidr, outIface, err, strings.TrimSpace(string(out)))
	}
	return OutcomeApplied, nil
}

// MasqRule is one installed POSTROUTING MASQUERADE rule.
type MasqRule struct {
	Source   string
	OutIface string
}

// ListMasqueradeRules returns every POSTROUTING MASQUERADE rule currently
// installed that has a source (-s) match, used by teardown-all's orphan sweep to find NAT rules left
// behind by a crashed invocation.
func (e *Executor) ListMasqueradeRules(ctx context.Context) ([]MasqRule, error) {
	out, err := exec.CommandContext(ctx, "iptables", "-t", "nat", "-S", "POSTROUTING").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("listing POSTROUTING rules: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	var rules []MasqRule
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "MASQUERADE") {
			continue
		}
		fields := strings.Fields(line)
		var r MasqRule
		for i, f := range fields {
			switch f {
			case "-s":
				if i+1 < len(fields) {
					r.Source = fields[i+1]
				}
			case "-o":
				if i+1 < len(fields) {
					r.OutIface = fields[i+1]
				}
			}
		}
		if r.Source != "" {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// FlushChain flushes a chain (INPUT/OUTPUT/FORWARD) inside a namespace,
// used by the policy engine to rebuild a subnet's filter rules from a
// clean slate before applying the compiled rule set.
func (e *Executor) FlushChain(ctx context.Context, namespace, chain string) error {
	out, err := namespacedCmd(ctx, namespace, "iptables", "-F", chain).CombinedOutput()
	if err != nil {
		return fmt.Errorf("flushing chain %s in namespace %s: %w (%s)", chain, namespace, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// AppendFilterRule appends one filter rule to chain inside a namespace.
// protocol and port may be empty, matching any protocol/port respectively.
func (e *Executor) AppendFilterRule(ctx context.Context, namespace, chain, protocol, port, action string) error {
	args := []string{"-A", chain}
	if protocol != "" {
		args = append(args, "-p", protocol)
		if port != "" {
			args = append(args, "--dport", port)
		}
	}
	args = append(args, "-j", action)
	out, err := namespacedCmd(ctx, namespace, "iptables", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("appending filter rule to %s in namespace %s: %w (%s)", chain, namespace, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RunInNamespaceCmd runs an arbitrary command inside a namespace, detached
// from the caller's process group. stdout and stderr are redirected to
// logPath.
func (e *Executor) RunInNamespaceCmd(ctx context.Context, namespace, command, logPath string) (*exec.Cmd, error) {
	cmd := namespacedCmd(ctx, namespace, "sh", "-c", command)
	cmd.Env = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	setDetached(cmd)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening app log %s: %w", logPath, err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting app in namespace %s: %w", namespace, err)
	}
	go func() {
		cmd.Wait()
		logFile.Close()
	}()
	return cmd, nil
}
