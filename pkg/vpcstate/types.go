// Package vpcstate is the durable state store: one JSON file per VPC,
// atomically written, that is the system's source of truth for what it
// has created.
package vpcstate

import "time"

// VPC is the durable record for one virtual private cloud.
type VPC struct {
	Name          string              `json:"name"`
	CIDR          string              `json:"cidr"`
	Bridge        string              `json:"bridge"`
	InternetIface string              `json:"internetIface"`
	Subnets       map[string]*Subnet  `json:"subnets"`
	Peerings      map[string]*Peering `json:"peerings"`
	CreatedAt     time.Time           `json:"created"`
}

// Subnet is the durable record for one subnet within a VPC.
type Subnet struct {
	Name         string `json:"name"`
	CIDR         string `json:"cidr"`
	Type         string `json:"type"` // "public" or "private"
	Namespace    string `json:"namespace"`
	VethHost     string `json:"vethHost"`
	VethNS       string `json:"vethNs"`
	Gateway      string `json:"gateway"`
	HostIP       string `json:"hostIp"` // "<ip>/<prefixlen>"
	Applications []*App `json:"applications,omitempty"`
}

// App is a workload deployed into a subnet's namespace.
type App struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	PID     int    `json:"pid,omitempty"`
}

// Peering is one side of a symmetric bilateral peering record. Both VPC
// records carry one of these, keyed by the other VPC's name.
type Peering struct {
	PeerVPC      string   `json:"peerVpc"`
	LocalLink    string   `json:"localLink"`
	RemoteLink   string   `json:"remoteLink"`
	AllowedCIDRs []string `json:"allowedCidrs"`
}

// NewVPC returns an empty, initialized VPC record.
func NewVPC(name, cidr, bridge, internetIface string) *VPC {
	return &VPC{
		Name:          name,
		CIDR:          cidr,
		Bridge:        bridge,
		InternetIface: internetIface,
		Subnets:       make(map[string]*Subnet),
		Peerings:      make(map[string]*Peering),
	}
}
