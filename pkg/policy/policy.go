// Package policy compiles declarative ingress/egress rule sets into
// packet-filter calls against pkg/hostexec: iptables -A INPUT/OUTPUT
// command shapes with default-allow. Re-applying is idempotent because a
// namespace's INPUT and OUTPUT chains are flushed before its rules are
// appended again; rules are not checked with iptables -C.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/glennswest/vpcctl/pkg/hostexec"
)

// validProtocols is the set a rule's protocol must belong to; anything
// else is skipped with a warning rather than aborting the batch.
var validProtocols = map[string]bool{
	"tcp": true, "udp": true, "icmp": true, "any": true,
}

// Rule is one ingress or egress entry. Port is either a decimal port
// number or the literal string "any".
type Rule struct {
	Port     json.RawMessage `json:"port"`
	Protocol string          `json:"protocol"`
	Action   string          `json:"action"` // "allow" or "deny"
}

// portString returns the rule's port as either "any" or a decimal string.
func (r Rule) portString() (string, error) {
	var asString string
	if err := json.Unmarshal(r.Port, &asString); err == nil {
		if asString != "any" {
			return "", fmt.Errorf("port string must be \"any\", got %q", asString)
		}
		return "any", nil
	}
	var asInt int
	if err := json.Unmarshal(r.Port, &asInt); err == nil {
		return fmt.Sprintf("%d", asInt), nil
	}
	return "", fmt.Errorf("port must be an integer or \"any\"")
}

// RuleSet targets all subnets whose CIDR equals Subnet, across every VPC.
// CIDR is the authoritative selector: a policy document names the address
// block it applies to, not a particular VPC/subnet pair, so the same
// document matches every subnet carved from that block.
type RuleSet struct {
	Subnet  string `json:"subnet"`
	Ingress []Rule `json:"ingress"`
	Egress  []Rule `json:"egress"`
}

// LoadFile reads a policy document from path, a top-level JSON array of
// RuleSet objects.
func LoadFile(path string) ([]RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	var sets []RuleSet
	if err := json.Unmarshal(data, &sets); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	return sets, nil
}

// Engine compiles and applies RuleSets against namespaces via an Executor.
type Engine struct {
	exec *hostexec.Executor
	log  *zap.SugaredLogger
}

// New returns an Engine backed by exec.
func New(exec *hostexec.Executor, log *zap.SugaredLogger) *Engine {
	return &Engine{exec: exec, log: log.Named("policy")}
}

// ApplyToNamespace flushes a subnet namespace's INPUT/OUTPUT chains and
// recompiles rs's ingress/egress rules onto them, in listed order. Rules
// that cannot be compiled (unknown protocol or action, malformed port)
// are skipped with a warning and never abort the batch; an iptables call
// that fails does return an error.
func (e *Engine) ApplyToNamespace(ctx context.Context, namespace string, rs RuleSet) error {
	if err := e.exec.FlushChain(ctx, namespace, "INPUT"); err != nil {
		return err
	}
	if err := e.exec.FlushChain(ctx, namespace, "OUTPUT"); err != nil {
		return err
	}

	if err := e.applyChain(ctx, namespace, "INPUT", rs.Ingress); err != nil {
		return err
	}
	if err := e.applyChain(ctx, namespace, "OUTPUT", rs.Egress); err != nil {
		return err
	}
	return nil
}

func (e *Engine) applyChain(ctx context.Context, namespace, chain string, rules []Rule) error {
	for i, rule := range rules {
		if rule.Protocol != "" && !validProtocols[rule.Protocol] {
			e.log.Warnw("skipping rule with unknown protocol",
				"namespace", namespace, "chain", chain, "index", i, "protocol", rule.Protocol)
			continue
		}

		port, err := rule.portString()
		if err != nil {
			e.log.Warnw("skipping malformed rule",
				"namespace", namespace, "chain", chain, "index", i, "error", err.Error())
			continue
		}

		action, err := compileAction(rule.Action)
		if err != nil {
			e.log.Warnw("skipping rule with unknown action",
				"namespace", namespace, "chain", chain, "index", i, "action", rule.Action)
			continue
		}

		protocol := rule.Protocol
		if protocol == "any" {
			protocol = ""
		}
		if port == "any" {
			port = ""
		}

		if err := e.exec.AppendFilterRule(ctx, namespace, chain, protocol, port, action); err != nil {
			return fmt.Errorf("applying rule %d on %s/%s: %w", i, namespace, chain, err)
		}
	}
	return nil
}

func compileAction(action string) (string, error) {
	switch action {
	case "allow":
		return "ACCEPT", nil
	case "deny":
		return "DROP", nil
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}
