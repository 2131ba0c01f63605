// vpcctl creates and manages host-local virtual private clouds: isolated
// bridge/namespace topologies, NAT, inter-VPC peering, and packet-filter
// policy, all driven from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/glennswest/vpcctl/pkg/config"
	"github.com/glennswest/vpcctl/pkg/dispatch"
	"github.com/glennswest/vpcctl/pkg/hostexec"
	"github.com/glennswest/vpcctl/pkg/peering"
	"github.com/glennswest/vpcctl/pkg/policy"
	"github.com/glennswest/vpcctl/pkg/reconciler"
	"github.com/glennswest/vpcctl/pkg/vpclog"
	"github.com/glennswest/vpcctl/pkg/vpcstate"
)

var version = "dev"

// app holds everything a verb handler needs; built once in
// PersistentPreRunE and torn down in PersistentPostRunE.
type app struct {
	cfg   config.Config
	log   *zap.SugaredLogger
	rec   *reconciler.Reconciler
	json  bool
}

func main() {
	a := &app{}
	root := newRootCmd(a)
	root.SilenceUsage = true
	if err := root.Execute(); err != nil {
		os.Exit(dispatch.ExitCode(classifyCobraError(err)))
	}
}

// classifyCobraError tags an error returned by root.Execute() with the
// user-error sentinel if it isn't already tagged with one of reconciler's
// category sentinels. Reconciler errors and the privilege check arrive
// already tagged. The untagged ones are cobra's own rejections (an unknown
// verb, a missing required flag, bad flag syntax), setup failures in
// PersistentPreRunE (config file, log directory, state directory), and
// output write failures; all of these are reported as user errors.
func classifyCobraError(err error) error {
	if errors.Is(err, reconciler.ErrUser) || errors.Is(err, reconciler.ErrHostExecution) || errors.Is(err, reconciler.ErrStateCorrupt) {
		return err
	}
	return fmt.Errorf("%w: %v", reconciler.ErrUser, err)
}

func newRootCmd(a *app) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "vpcctl",
		Short:   "Manage host-local virtual private clouds",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg

			log, err := vpclog.New(cfg.LogDir, cfg.Verbose)
			if err != nil {
				return err
			}
			invocationID := uuid.New().String()
			a.log = log.With("invocation_id", invocationID, "verb", cmd.Name())

			if err := hostexec.RequirePrivileges(); err != nil {
				return fmt.Errorf("%w: %v", reconciler.ErrUser, err)
			}

			store, err := vpcstate.New(cfg.StateDir)
			if err != nil {
				return err
			}
			exec := hostexec.New(a.log)
			polEngine := policy.New(exec, a.log)
			peerMgr := peering.New(exec, store, a.log)
			a.rec = reconciler.New(store, exec, polEngine, peerMgr, cfg.LockTimeout, cfg.LogDir, a.log)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.log != nil {
				return a.log.Sync()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to vpcctl.yaml")
	root.PersistentFlags().BoolVar(&a.json, "json", false, "emit structured JSON output")

	root.AddCommand(
		newCreateVPCCmd(a),
		newAddSubnetCmd(a),
		newDeployAppCmd(a),
		newApplyPolicyCmd(a),
		newPeerCmd(a),
		newInspectCmd(a),
		newListVPCsCmd(a),
		newDeleteVPCCmd(a),
		newTeardownAllCmd(a),
	)
	return root
}

func runCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func render(a *app, result *dispatch.Result) error {
	return dispatch.Render(os.Stdout, result, a.json)
}

func newCreateVPCCmd(a *app) *cobra.Command {
	var name, cidr, internetIface string
	cmd := &cobra.Command{
		Use:   "create-vpc",
		Short: "Create a virtual private cloud",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runCtx(cmd)
			defer cancel()
			vpc, err := a.rec.CreateVPC(ctx, name, cidr, internetIface)
			if err != nil {
				return err
			}
			return render(a, &dispatch.Result{
				Human: fmt.Sprintf("VPC %s created (cidr=%s bridge=%s)", vpc.Name, vpc.CIDR, vpc.Bridge),
				JSON:  vpc,
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "VPC name")
	cmd.Flags().StringVar(&cidr, "cidr", "", "VPC address block (CIDR)")
	cmd.Flags().StringVar(&internetIface, "internet-iface", "", "upstream interface for NAT")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("cidr")
	cmd.MarkFlagRequired("internet-iface")
	return cmd
}

func newAddSubnetCmd(a *app) *cobra.Command {
	var vpc, name, cidr, subnetType string
	cmd := &cobra.Command{
		Use:   "add-subnet",
		Short: "Add a subnet to a VPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runCtx(cmd)
			defer cancel()
			subnet, err := a.rec.AddSubnet(ctx, vpc, name, cidr, subnetType)
			if err != nil {
				return err
			}
			return render(a, &dispatch.Result{
				Human: fmt.Sprintf("subnet %s added to VPC %s (cidr=%s type=%s namespace=%s)", subnet.Name, vpc, subnet.CIDR, subnet.Type, subnet.Namespace),
				JSON:  subnet,
			})
		},
	}
	cmd.Flags().StringVar(&vpc, "vpc", "", "VPC name")
	cmd.Flags().StringVar(&name, "name", "", "subnet name")
	cmd.Flags().StringVar(&cidr, "cidr", "", "subnet address block (CIDR)")
	cmd.Flags().StringVar(&subnetType, "type", "", "subnet type: public or private")
	cmd.MarkFlagRequired("vpc")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("cidr")
	cmd.MarkFlagRequired("type")
	return cmd
}

func newDeployAppCmd(a *app) *cobra.Command {
	var vpc, subnet, name, command string
	cmd := &cobra.Command{
		Use:   "deploy-app",
		Short: "Spawn a workload inside a subnet's namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runCtx(cmd)
			defer cancel()
			app, err := a.rec.DeployApp(ctx, vpc, subnet, name, command)
			if err != nil {
				return err
			}
			return render(a, &dispatch.Result{
				Human: fmt.Sprintf("app %s deployed in vpc=%s subnet=%s pid=%d", app.Name, vpc, subnet, app.PID),
				JSON:  app,
			})
		},
	}
	cmd.Flags().StringVar(&vpc, "vpc", "", "VPC name")
	cmd.Flags().StringVar(&subnet, "subnet", "", "subnet name")
	cmd.Flags().StringVar(&name, "name", "", "application name")
	cmd.Flags().StringVar(&command, "cmd", "", "shell command to run")
	cmd.MarkFlagRequired("vpc")
	cmd.MarkFlagRequired("subnet")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("cmd")
	return cmd
}

func newApplyPolicyCmd(a *app) *cobra.Command {
	var policyFile string
	cmd := &cobra.Command{
		Use:   "apply-policy",
		Short: "Apply an ingress/egress policy document",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runCtx(cmd)
			defer cancel()
			if err := a.rec.ApplyPolicy(ctx, policyFile); err != nil {
				return err
			}
			return render(a, &dispatch.Result{
				Human: fmt.Sprintf("policy %s applied", policyFile),
				JSON:  map[string]string{"policyFile": policyFile, "status": "applied"},
			})
		},
	}
	cmd.Flags().StringVar(&policyFile, "policy-file", "", "path to policy JSON array")
	cmd.MarkFlagRequired("policy-file")
	return cmd
}

func newPeerCmd(a *app) *cobra.Command {
	var vpcA, vpcB, allowedCIDRs string
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Peer two VPCs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runCtx(cmd)
			defer cancel()
			cidrs := splitCIDRList(allowedCIDRs)
			if err := a.rec.Peer(ctx, vpcA, vpcB, cidrs); err != nil {
				return err
			}
			return render(a, &dispatch.Result{
				Human: fmt.Sprintf("VPCs %s and %s peered (allowed=%s)", vpcA, vpcB, allowedCIDRs),
				JSON:  map[string]any{"vpcA": vpcA, "vpcB": vpcB, "allowedCidrs": cidrs},
			})
		},
	}
	cmd.Flags().StringVar(&vpcA, "vpc-a", "", "first VPC name")
	cmd.Flags().StringVar(&vpcB, "vpc-b", "", "second VPC name")
	cmd.Flags().StringVar(&allowedCIDRs, "allowed-cidrs", "", "comma-separated CIDRs allowed across the peering")
	cmd.MarkFlagRequired("vpc-a")
	cmd.MarkFlagRequired("vpc-b")
	cmd.MarkFlagRequired("allowed-cidrs")
	return cmd
}

func newInspectCmd(a *app) *cobra.Command {
	var vpc string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show a VPC's full record",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runCtx(cmd)
			defer cancel()
			record, err := a.rec.Inspect(ctx, vpc)
			if err != nil {
				return err
			}
			return render(a, &dispatch.Result{
				Human: fmt.Sprintf("%+v", record),
				JSON:  record,
			})
		},
	}
	cmd.Flags().StringVar(&vpc, "vpc", "", "VPC name")
	cmd.MarkFlagRequired("vpc")
	return cmd
}

func newListVPCsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-vpcs",
		Short: "List all known VPCs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runCtx(cmd)
			defer cancel()
			vpcs, err := a.rec.ListVPCs(ctx)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(vpcs))
			for _, v := range vpcs {
				names = append(names, v.Name)
			}
			return render(a, &dispatch.Result{
				Human: strings.Join(names, "\n"),
				JSON:  map[string]any{"vpcs": vpcs},
			})
		},
	}
}

func newDeleteVPCCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "delete-vpc",
		Short: "Delete a VPC and every object it owns",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runCtx(cmd)
			defer cancel()
			if err := a.rec.DeleteVPC(ctx, name); err != nil {
				return err
			}
			return render(a, &dispatch.Result{
				Human: fmt.Sprintf("VPC %s deleted", name),
				JSON:  map[string]string{"name": name, "status": "deleted"},
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "VPC name")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newTeardownAllCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown-all",
		Short: "Delete every known VPC and sweep orphaned objects",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runCtx(cmd)
			defer cancel()
			if err := a.rec.TeardownAll(ctx); err != nil {
				return err
			}
			return render(a, &dispatch.Result{
				Human: "teardown complete",
				JSON:  map[string]string{"status": "complete"},
			})
		},
	}
}

func splitCIDRList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
