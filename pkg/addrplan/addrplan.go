// Package addrplan validates CIDR blocks and computes the addresses the
// control plane assigns to bridges, gateways, and hosts: fixed-position
// address planning, where gateways and host addresses are always the
// first and second usable address of a block, never drawn from a
// rotating pool.
package addrplan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors, matched with errors.Is by callers that need to branch
// on the planning-error taxonomy.
var (
	ErrInvalid      = errors.New("cidr-invalid")
	ErrOutOfRange   = errors.New("cidr-out-of-range")
	ErrOverlap      = errors.New("cidr-overlap")
	ErrNotContained = errors.New("cidr-not-contained")
)

const (
	minPrefixLen = 8
	maxPrefixLen = 28
)

// ValidateBlock parses cidr and rejects prefixes outside /8../28 or
// non-canonical forms (e.g. "10.0.0.5/24" where .5 is not the network
// address).
func ValidateBlock(cidr string) (*net.IPNet, error) {
	ip, block, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, cidr, err)
	}
	if block.IP.To4() == nil {
		return nil, fmt.Errorf("%w: %s: only IPv4 is supported", ErrInvalid, cidr)
	}
	if !ip.Equal(block.IP) {
		return nil, fmt.Errorf("%w: %s: not a canonical network address (did you mean %s?)", ErrInvalid, cidr, block.String())
	}
	ones, _ := block.Mask.Size()
	if ones < minPrefixLen || ones > maxPrefixLen {
		return nil, fmt.Errorf("%w: %s: prefix length /%d outside allowed range /%d../%d", ErrOutOfRange, cidr, ones, minPrefixLen, maxPrefixLen)
	}
	return block, nil
}

// Contains reports whether inner is strictly contained in outer
// (inner.prefixlen > outer.prefixlen and every address of inner lies
// within outer).
func Contains(outer, inner *net.IPNet) bool {
	outerOnes, _ := outer.Mask.Size()
	innerOnes, _ := inner.Mask.Size()
	if innerOnes <= outerOnes {
		return false
	}
	return outer.Contains(inner.IP)
}

// Overlaps reports whether a and b share any address.
func Overlaps(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// GatewayIP returns the first usable host address of block
// (network address + 1).
func GatewayIP(block *net.IPNet) net.IP {
	return offsetIP(block, 1)
}

// HostIP returns the second usable host address of block
// (network address + 2).
func HostIP(block *net.IPNet) net.IP {
	return offsetIP(block, 2)
}

func offsetIP(block *net.IPNet, offset uint32) net.IP {
	base := ipToUint32(block.IP)
	return uint32ToIP(base + offset)
}

// PlanVPC validates cidr as a VPC address block and ensures it does not
// overlap any of the caller's existing VPC blocks.
func PlanVPC(cidr string, existing []*net.IPNet) (*net.IPNet, error) {
	block, err := ValidateBlock(cidr)
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if Overlaps(block, other) {
			return nil, fmt.Errorf("%w: %s overlaps existing VPC block %s", ErrOverlap, block, other)
		}
	}
	return block, nil
}

// PlanSubnet validates subnetCIDR, ensures it is strictly contained in
// vpcBlock, and that it does not overlap any sibling subnet block.
func PlanSubnet(vpcBlock *net.IPNet, subnetCIDR string, siblings []*net.IPNet) (*net.IPNet, error) {
	subnet, err := ValidateBlock(subnetCIDR)
	if err != nil {
		return nil, err
	}
	if !Contains(vpcBlock, subnet) {
		return nil, fmt.Errorf("%w: %s is not contained in VPC block %s", ErrNotContained, subnet, vpcBlock)
	}
	for _, sibling := range siblings {
		if Overlaps(subnet, sibling) {
			return nil, fmt.Errorf("%w: %s overlaps sibling subnet %s", ErrOverlap, subnet, sibling)
		}
	}
	return subnet, nil
}

// ipToUint32 converts a net.IP (IPv4) to a uint32.
func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return binary.BigEndian.Uint32(ip4)
}

// uint32ToIP converts a uint32 back to a net.IP (IPv4).
func uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
