// Package namer derives deterministic, length-safe names for every kernel
// object the control plane creates. Every name is a pure function of
// (kind, VPC name, subnet/peer name) so the same intent always produces
// the same kernel object names, which is what makes reconciliation
// idempotent across process restarts.
package namer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// MaxLinkName is the kernel's link-name limit (IFNAMSIZ - 1).
const MaxLinkName = 15

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ValidateName enforces the character class and length bound shared by VPC
// and subnet names: 1-32 chars, [a-z0-9][a-z0-9-]*.
func ValidateName(kind, name string) error {
	if len(name) == 0 || len(name) > 32 {
		return fmt.Errorf("%s name %q must be 1-32 characters", kind, name)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%s name %q must match [a-z0-9][a-z0-9-]*", kind, name)
	}
	return nil
}

// Bridge returns the VPC bridge name: vpc-<vpc>-br.
func Bridge(vpc string) string {
	return truncate("vpc-", vpc+"-br")
}

// Namespace returns the subnet's network namespace name:
// vpc-<vpc>-ns-<subnet>.
func Namespace(vpc, subnet string) string {
	return truncate("vpc-", vpc+"-ns-"+subnet)
}

// HostVeth returns the host-side veth name for a subnet: veth-<vpc>-<subnet>.
func HostVeth(vpc, subnet string) string {
	return truncate("veth-", vpc+"-"+subnet)
}

// NamespaceVeth returns the namespace-side veth name for a subnet:
// veth-ns-<subnet>.
func NamespaceVeth(subnet string) string {
	return truncate("veth-", "ns-"+subnet)
}

// PeerPair returns the canonically-ordered pair of peering endpoint names
// for VPCs a and b: peer-<lo>-<hi> on lo's bridge, peer-<hi>-<lo> on hi's
// bridge, where lo < hi lexicographically.
func PeerPair(a, b string) (lo, hi string, loEndpoint, hiEndpoint string) {
	lo, hi = a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	loEndpoint = truncate("peer-", lo+"-"+hi)
	hiEndpoint = truncate("peer-", hi+"-"+lo)
	return lo, hi, loEndpoint, hiEndpoint
}

// truncate builds "<prefix><variable>" and, if it would exceed
// MaxLinkName bytes, replaces the tail of variable with a deterministic
// 6-hex-character digest suffix so the result is always <= MaxLinkName
// bytes while remaining a pure function of the inputs.
func truncate(prefix, variable string) string {
	full := prefix + variable
	if len(full) <= MaxLinkName {
		return full
	}

	suffix := hashSuffix(variable)
	budget := MaxLinkName - len(prefix) - len(suffix)
	if budget < 0 {
		budget = 0
	}
	if budget > len(variable) {
		budget = len(variable)
	}
	return prefix + variable[:budget] + suffix
}

// hashSuffix returns a deterministic 6-character lowercase hex digest of s.
func hashSuffix(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:6]
}
