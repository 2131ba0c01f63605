// Package reconciler drives the host executor and state store to realize
// each user verb as an ordered, idempotent sequence of primitive steps.
// Unlike a ticking diff-desired-against-actual control loop, each exported
// method runs its step sequence exactly once per invocation and returns,
// but the steps themselves are written so that re-running the same
// sequence from any prefix converges to the same final state.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/vpcctl/pkg/addrplan"
	"github.com/glennswest/vpcctl/pkg/hostexec"
	"github.com/glennswest/vpcctl/pkg/lock"
	"github.com/glennswest/vpcctl/pkg/namer"
	"github.com/glennswest/vpcctl/pkg/peering"
	"github.com/glennswest/vpcctl/pkg/policy"
	"github.com/glennswest/vpcctl/pkg/vpcstate"
)

// Reconciler binds a state store and host executor together and exposes
// one method per CLI verb.
type Reconciler struct {
	store    *vpcstate.Store
	exec     *hostexec.Executor
	policy   *policy.Engine
	peering  *peering.Manager
	lockTO   time.Duration
	appLogs  string
	log      *zap.SugaredLogger
}

// New returns a Reconciler. appLogDir is where deploy-app's stdout/stderr
// capture files are written.
func New(store *vpcstate.Store, exec *hostexec.Executor, pol *policy.Engine, peer *peering.Manager, lockTimeout time.Duration, appLogDir string, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		store:   store,
		exec:    exec,
		policy:  pol,
		peering: peer,
		lockTO:  lockTimeout,
		appLogs: appLogDir,
		log:     log.Named("reconciler"),
	}
}

func (r *Reconciler) withVPCLock(name string, fn func() error) error {
	l, err := lock.Acquire(lock.VPCLockPath(r.store.Dir(), name), r.lockTO)
	if err != nil {
		return fmt.Errorf("%w: locking VPC %s: %w", ErrHostExecution, name, err)
	}
	defer l.Unlock()
	return fn()
}

func (r *Reconciler) withGlobalLock(fn func() error) error {
	l, err := lock.Acquire(lock.GlobalLockPath(r.store.Dir()), r.lockTO)
	if err != nil {
		return fmt.Errorf("%w: acquiring global lock: %w", ErrHostExecution, err)
	}
	defer l.Unlock()
	return fn()
}

func userErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUser}, args...)...)
}

func hostErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrHostExecution}, args...)...)
}

func corruptErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrStateCorrupt}, args...)...)
}

// existingVPCBlocks loads every VPC record except excludeName and parses
// its CIDR, for overlap-checking a new or re-specified block.
func (r *Reconciler) existingVPCBlocks(excludeName string) ([]*net.IPNet, error) {
	all, err := r.store.List()
	if err != nil {
		return nil, corruptErr("listing VPC records: %v", err)
	}
	var blocks []*net.IPNet
	for _, v := range all {
		if v.Name == excludeName {
			continue
		}
		block, err := addrplan.ValidateBlock(v.CIDR)
		if err != nil {
			return nil, corruptErr("VPC record %s has invalid stored CIDR %s: %v", v.Name, v.CIDR, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// CreateVPC creates a virtual private cloud. A repeat call with the
// identical cidr/upstream is treated as success and returns the existing
// record; a repeat call with a different cidr or upstream is a user error.
func (r *Reconciler) CreateVPC(ctx context.Context, name, cidr, upstream string) (*vpcstate.VPC, error) {
	if err := namer.ValidateName("vpc", name); err != nil {
		return nil, userErr("%v", err)
	}

	var result *vpcstate.VPC
	err := r.withVPCLock(name, func() error {
		if existing, err := r.store.Get(name); err == nil {
			if existing.CIDR == cidr && existing.InternetIface == upstream {
				r.log.Infow("create-vpc: already exists with identical configuration", "vpc", name)
				result = existing
				return nil
			}
			return userErr("VPC %s already exists with different configuration (cidr=%s upstream=%s)", name, existing.CIDR, existing.InternetIface)
		} else if !errors.Is(err, vpcstate.ErrNotFound) {
			return corruptErr("loading VPC %s: %v", name, err)
		}

		existingBlocks, err := r.existingVPCBlocks(name)
		if err != nil {
			return err
		}
		block, err := addrplan.PlanVPC(cidr, existingBlocks)
		if err != nil {
			return userErr("%v", err)
		}

		bridgeName := namer.Bridge(name)
		var rollback []func()
		unwind := func() {
			for i := len(rollback) - 1; i >= 0; i-- {
				rollback[i]()
			}
		}

		bridgeOutcome, err := r.exec.EnsureBridge(ctx, bridgeName)
		if err != nil {
			return hostErr("creating bridge %s: %v", bridgeName, err)
		}
		if bridgeOutcome == hostexec.OutcomeApplied {
			rollback = append(rollback, func() { r.exec.DeleteBridge(ctx, bridgeName) })
		}

		ones, _ := block.Mask.Size()
		gatewayCIDR := fmt.Sprintf("%s/%d", addrplan.GatewayIP(block), ones)
		if _, err := r.exec.AssignAddress(ctx, bridgeName, gatewayCIDR); err != nil {
			unwind()
			return hostErr("assigning gateway address to %s: %v", bridgeName, err)
		}
		if _, err := r.exec.SetUp(ctx, bridgeName); err != nil {
			unwind()
			return hostErr("bringing up bridge %s: %v", bridgeName, err)
		}
		if err := r.exec.EnableForwarding(ctx, bridgeName); err != nil {
			unwind()
			return hostErr("enabling forwarding on %s: %v", bridgeName, err)
		}
		if err := r.exec.EnableGlobalForwarding(ctx); err != nil {
			unwind()
			return hostErr("enabling global forwarding: %v", err)
		}

		vpc := vpcstate.NewVPC(name, cidr, bridgeName, upstream)
		vpc.CreatedAt = time.Now()
		if err := r.store.Put(vpc); err != nil {
			unwind()
			return corruptErr("writing VPC record %s: %v", name, err)
		}

		r.log.Infow("VPC created", "vpc", name, "cidr", cidr, "bridge", bridgeName)
		result = vpc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddSubnet adds a subnet to an existing VPC.
func (r *Reconciler) AddSubnet(ctx context.Context, vpcName, name, cidr, subnetType string) (*vpcstate.Subnet, error) {
	if subnetType != "public" && subnetType != "private" {
		return nil, userErr("subnet type must be \"public\" or \"private\", got %q", subnetType)
	}
	if err := namer.ValidateName("subnet", name); err != nil {
		return nil, userErr("%v", err)
	}

	var result *vpcstate.Subnet
	err := r.withVPCLock(vpcName, func() error {
		vpc, err := r.store.Get(vpcName)
		if err != nil {
			if errors.Is(err, vpcstate.ErrNotFound) {
				return userErr("VPC %s does not exist", vpcName)
			}
			return corruptErr("loading VPC %s: %v", vpcName, err)
		}

		if existing, ok := vpc.Subnets[name]; ok {
			if existing.CIDR == cidr && existing.Type == subnetType {
				r.log.Infow("add-subnet: already exists with identical configuration", "vpc", vpcName, "subnet", name)
				result = existing
				return nil
			}
			return userErr("subnet %s already exists in VPC %s with different configuration", name, vpcName)
		}

		vpcBlock, err := addrplan.ValidateBlock(vpc.CIDR)
		if err != nil {
			return corruptErr("VPC %s has invalid stored CIDR %s: %v", vpcName, vpc.CIDR, err)
		}
		var siblings []*net.IPNet
		for _, s := range vpc.Subnets {
			sb, err := addrplan.ValidateBlock(s.CIDR)
			if err != nil {
				return corruptErr("subnet %s of VPC %s has invalid stored CIDR %s: %v", s.Name, vpcName, s.CIDR, err)
			}
			siblings = append(siblings, sb)
		}
		subnetBlock, err := addrplan.PlanSubnet(vpcBlock, cidr, siblings)
		if err != nil {
			return userErr("%v", err)
		}

		nsName := namer.Namespace(vpcName, name)
		hostVeth := namer.HostVeth(vpcName, name)
		nsVeth := namer.NamespaceVeth(name)

		var rollback []func()
		unwind := func() {
			for i := len(rollback) - 1; i >= 0; i-- {
				rollback[i]()
			}
		}

		nsOutcome, err := r.exec.EnsureNamespace(ctx, nsName)
		if err != nil {
			return hostErr("creating namespace %s: %v", nsName, err)
		}
		if nsOutcome == hostexec.OutcomeApplied {
			rollback = append(rollback, func() { r.exec.DeleteNamespace(ctx, nsName) })
		}

		vethOutcome, err := r.exec.EnsureVeth(ctx, hostVeth, nsVeth)
		if err != nil {
			unwind()
			return hostErr("creating veth pair %s/%s: %v", hostVeth, nsVeth, err)
		}
		if vethOutcome == hostexec.OutcomeApplied {
			rollback = append(rollback, func() { r.exec.DeleteLink(ctx, hostVeth) })
		}

		if _, err := r.exec.AttachToBridge(ctx, hostVeth, vpc.Bridge); err != nil {
			unwind()
			return hostErr("attaching %s to bridge %s: %v", hostVeth, vpc.Bridge, err)
		}
		if _, err := r.exec.SetUp(ctx, hostVeth); err != nil {
			unwind()
			return hostErr("bringing up %s: %v", hostVeth, err)
		}
		if _, err := r.exec.MoveLinkToNamespace(ctx, nsVeth, nsName); err != nil {
			unwind()
			return hostErr("moving %s into namespace %s: %v", nsVeth, nsName, err)
		}
		if _, err := r.exec.SetUpInNamespace(ctx, nsName, nsVeth); err != nil {
			unwind()
			return hostErr("bringing up %s in namespace %s: %v", nsVeth, nsName, err)
		}

		ones, _ := subnetBlock.Mask.Size()
		hostIPCIDR := fmt.Sprintf("%s/%d", addrplan.HostIP(subnetBlock), ones)
		if _, err := r.exec.AssignAddressInNamespace(ctx, nsName, nsVeth, hostIPCIDR); err != nil {
			unwind()
			return hostErr("assigning address %s in namespace %s: %v", hostIPCIDR, nsName, err)
		}

		gatewayIP := addrplan.GatewayIP(vpcBlock)
		if _, err := r.exec.AddRoute(ctx, nsName, "default", "", gatewayIP.String()); err != nil {
			unwind()
			return hostErr("installing default route in namespace %s: %v", nsName, err)
		}

		if subnetType == "public" {
			if _, err := r.exec.EnsureMasquerade(ctx, cidr, vpc.InternetIface); err != nil {
				unwind()
				return hostErr("installing masquerade rule for %s: %v", cidr, err)
			}
		}

		subnet := &vpcstate.Subnet{
			Name:      name,
			CIDR:      cidr,
			Type:      subnetType,
			Namespace: nsName,
			VethHost:  hostVeth,
			VethNS:    nsVeth,
			Gateway:   gatewayIP.String(),
			HostIP:    hostIPCIDR,
		}
		vpc.Subnets[name] = subnet
		if err := r.store.Put(vpc); err != nil {
			return corruptErr("writing VPC record %s: %v", vpcName, err)
		}

		r.log.Infow("subnet added", "vpc", vpcName, "subnet", name, "cidr", cidr, "type", subnetType)
		result = subnet
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeployApp spawns cmd inside the subnet's namespace, detached, and
// records its pid. A spawn failure never mutates kernel or state.
func (r *Reconciler) DeployApp(ctx context.Context, vpcName, subnetName, appName, command string) (*vpcstate.App, error) {
	var result *vpcstate.App
	err := r.withVPCLock(vpcName, func() error {
		vpc, err := r.store.Get(vpcName)
		if err != nil {
			if errors.Is(err, vpcstate.ErrNotFound) {
				return userErr("VPC %s does not exist", vpcName)
			}
			return corruptErr("loading VPC %s: %v", vpcName, err)
		}
		subnet, ok := vpc.Subnets[subnetName]
		if !ok {
			return userErr("subnet %s does not exist in VPC %s", subnetName, vpcName)
		}

		logPath := fmt.Sprintf("%s/%s-%s-%s.log", r.appLogs, vpcName, subnetName, appName)
		cmd, err := r.exec.RunInNamespaceCmd(ctx, subnet.Namespace, command, logPath)
		if err != nil {
			return hostErr("spawning app %s in namespace %s: %v", appName, subnet.Namespace, err)
		}

		app := &vpcstate.App{Name: appName, Command: command, PID: cmd.Process.Pid}
		subnet.Applications = append(subnet.Applications, app)
		if err := r.store.Put(vpc); err != nil {
			return corruptErr("writing VPC record %s: %v", vpcName, err)
		}

		r.log.Infow("app deployed", "vpc", vpcName, "subnet", subnetName, "app", appName, "pid", app.PID)
		result = app
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyPolicy applies a policy document: every matching subnet across
// every VPC has its rule set recompiled.
func (r *Reconciler) ApplyPolicy(ctx context.Context, policyFile string) error {
	sets, err := policy.LoadFile(policyFile)
	if err != nil {
		return userErr("%v", err)
	}

	return r.withGlobalLock(func() error {
		vpcs, err := r.store.List()
		if err != nil {
			return corruptErr("listing VPC records: %v", err)
		}

		for _, rs := range sets {
			matched := false
			for _, vpc := range vpcs {
				for _, subnet := range vpc.Subnets {
					if subnet.CIDR != rs.Subnet {
						continue
					}
					matched = true
					if err := r.policy.ApplyToNamespace(ctx, subnet.Namespace, rs); err != nil {
						return hostErr("applying policy to subnet %s (vpc %s): %v", subnet.Name, vpc.Name, err)
					}
				}
			}
			if !matched {
				r.log.Warnw("no subnet found matching policy selector", "subnet_cidr", rs.Subnet)
			}
		}
		r.log.Infow("policy applied", "rule_sets", len(sets))
		return nil
	})
}

// Peer delegates to the peering manager under the global lock, since it
// mutates two VPC records at once.
func (r *Reconciler) Peer(ctx context.Context, a, b string, allowedCIDRs []string) error {
	return r.withGlobalLock(func() error {
		if err := r.peering.Peer(ctx, a, b, allowedCIDRs); err != nil {
			if errors.Is(err, vpcstate.ErrNotFound) || errors.Is(err, peering.ErrSameVPC) {
				return userErr("%v", err)
			}
			return hostErr("%v", err)
		}
		return nil
	})
}

// Inspect is a pure read from the state store.
func (r *Reconciler) Inspect(ctx context.Context, name string) (*vpcstate.VPC, error) {
	vpc, err := r.store.Get(name)
	if err != nil {
		if errors.Is(err, vpcstate.ErrNotFound) {
			return nil, userErr("VPC %s does not exist", name)
		}
		return nil, corruptErr("loading VPC %s: %v", name, err)
	}
	return vpc, nil
}

// ListVPCs is a pure read from the state store.
func (r *Reconciler) ListVPCs(ctx context.Context) ([]*vpcstate.VPC, error) {
	vpcs, err := r.store.List()
	if err != nil {
		return nil, corruptErr("listing VPC records: %v", err)
	}
	return vpcs, nil
}

// DeleteVPC deletes a VPC and every object it owns. Every step is
// best-effort: a not-found outcome is success, and a hard failure on one
// step is logged and the sequence continues, because the invariant being
// protected is that no known-owned object remains, not that every removal
// succeeds on the first try.
func (r *Reconciler) DeleteVPC(ctx context.Context, name string) error {
	return r.withVPCLock(name, func() error {
		vpc, err := r.store.Get(name)
		if err != nil {
			if errors.Is(err, vpcstate.ErrNotFound) {
				r.log.Infow("delete-vpc: already absent", "vpc", name)
				return nil
			}
			return corruptErr("loading VPC %s: %v", name, err)
		}

		for peerName := range vpc.Peerings {
			r.peering.Remove(ctx, vpc, peerName)
		}

		for _, subnet := range vpc.Subnets {
			for _, app := range subnet.Applications {
				if app.PID <= 0 {
					continue
				}
				if err := syscall.Kill(app.PID, syscall.SIGKILL); err != nil {
					r.log.Warnw("failed to kill app during delete-vpc", "app", app.Name, "pid", app.PID, "error", err.Error())
				}
			}
			if _, err := r.exec.DeleteNamespace(ctx, subnet.Namespace); err != nil {
				r.log.Warnw("failed to delete namespace during delete-vpc", "namespace", subnet.Namespace, "error", err.Error())
			}
			if _, err := r.exec.DeleteLink(ctx, subnet.VethHost); err != nil {
				r.log.Warnw("failed to delete host veth during delete-vpc", "link", subnet.VethHost, "error", err.Error())
			}
			if subnet.Type == "public" {
				if _, err := r.exec.DeleteMasquerade(ctx, subnet.CIDR, vpc.InternetIface); err != nil {
					r.log.Warnw("failed to delete masquerade rule during delete-vpc", "cidr", subnet.CIDR, "error", err.Error())
				}
			}
		}

		if _, err := r.exec.DeleteBridge(ctx, vpc.Bridge); err != nil {
			r.log.Warnw("failed to delete bridge during delete-vpc", "bridge", vpc.Bridge, "error", err.Error())
		}

		if err := r.store.Delete(name); err != nil {
			return corruptErr("deleting VPC record %s: %v", name, err)
		}

		r.log.Infow("VPC deleted", "vpc", name)
		return nil
	})
}

// TeardownAll deletes every known VPC, then sweeps for orphan objects
// matching the naming scheme that survived a crashed invocation.
func (r *Reconciler) TeardownAll(ctx context.Context) error {
	return r.withGlobalLock(func() error {
		vpcs, err := r.store.List()
		if err != nil {
			return corruptErr("listing VPC records: %v", err)
		}
		for _, vpc := range vpcs {
			if err := r.deleteVPCLocked(ctx, vpc.Name); err != nil {
				r.log.Warnw("delete-vpc failed during teardown-all, continuing", "vpc", vpc.Name, "error", err.Error())
			}
		}

		r.sweepOrphans(ctx, vpcs)
		r.log.Infow("teardown-all complete", "vpc_count", len(vpcs))
		return nil
	})
}

// deleteVPCLocked runs delete-vpc's body without re-acquiring the per-VPC
// lock, for use from within teardown-all which already holds the global
// lock.
func (r *Reconciler) deleteVPCLocked(ctx context.Context, name string) error {
	vpc, err := r.store.Get(name)
	if err != nil {
		if errors.Is(err, vpcstate.ErrNotFound) {
			return nil
		}
		return err
	}
	for peerName := range vpc.Peerings {
		r.peering.Remove(ctx, vpc, peerName)
	}
	for _, subnet := range vpc.Subnets {
		for _, app := range subnet.Applications {
			if app.PID > 0 {
				syscall.Kill(app.PID, syscall.SIGKILL)
			}
		}
		r.exec.DeleteNamespace(ctx, subnet.Namespace)
		r.exec.DeleteLink(ctx, subnet.VethHost)
		if subnet.Type == "public" {
			r.exec.DeleteMasquerade(ctx, subnet.CIDR, vpc.InternetIface)
		}
	}
	r.exec.DeleteBridge(ctx, vpc.Bridge)
	return r.store.Delete(name)
}

// sweepOrphans removes every kernel object matching the naming scheme —
// links named vpc-*, veth-* or peer-* and namespaces named vpc-*, whether
// or not a state record still names them — plus every POSTROUTING
// MASQUERADE rule whose source lies inside one of vpcs' address blocks.
func (r *Reconciler) sweepOrphans(ctx context.Context, vpcs []*vpcstate.VPC) {
	if bridges, err := r.exec.ListLinksWithPrefix(ctx, "vpc-"); err == nil {
		for _, name := range bridges {
			r.exec.DeleteBridge(ctx, name)
		}
	}
	if veths, err := r.exec.ListLinksWithPrefix(ctx, "veth-"); err == nil {
		for _, name := range veths {
			r.exec.DeleteLink(ctx, name)
		}
	}
	if peers, err := r.exec.ListLinksWithPrefix(ctx, "peer-"); err == nil {
		for _, name := range peers {
			r.exec.DeleteLink(ctx, name)
		}
	}
	if namespaces, err := r.exec.ListNamespacesWithPrefix(ctx, "vpc-"); err == nil {
		for _, name := range namespaces {
			r.exec.DeleteNamespace(ctx, name)
		}
	}
	if rules, err := r.exec.ListMasqueradeRules(ctx); err == nil {
		for _, rule := range rules {
			_, src, err := net.ParseCIDR(rule.Source)
			if err != nil {
				continue
			}
			for _, vpc := range vpcs {
				if _, block, err := net.ParseCIDR(vpc.CIDR); err == nil && block.Contains(src.IP) {
					r.exec.DeleteMasquerade(ctx, rule.Source, rule.OutIface)
					break
				}
			}
		}
	}
}
