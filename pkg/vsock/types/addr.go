// Package types holds the wire-level and address types shared by every
// vsock component: addresses, control packets and the abstract error
// kinds the rest of the engine builds on.
package types

import "fmt"

const (
	// CIDAny is the wildcard context id, used for autobind and for the
	// control channel's source address.
	CIDAny uint32 = 0xFFFFFFFF

	// PortAny is the wildcard port, requesting autobind on Bind.
	PortAny uint32 = 0xFFFFFFFF

	// CIDHypervisor identifies the hypervisor itself.
	CIDHypervisor uint32 = 0

	// CIDWellKnown is the well-known context id (VMCI_WELL_KNOWN_CONTEXT_ID).
	// No inbound packet may legitimately claim it as a source.
	CIDWellKnown uint32 = 1

	// CIDHost identifies the privileged host context.
	CIDHost uint32 = 2

	// MaxReservedPort is the highest privileged port; binding at or
	// below it requires an elevated capability.
	MaxReservedPort uint32 = 1023
)

// Addr is a vsock endpoint address: a context id and a port.
type Addr struct {
	CID  uint32
	Port uint32
}

// NewAddr builds an Addr from its two fields. It performs no validation;
// call Validate separately, the way callers are expected to check a
// freshly parsed or user-supplied address.
func NewAddr(cid, port uint32) Addr {
	return Addr{CID: cid, Port: port}
}

// Equals reports whether two addresses name the same endpoint.
func (a Addr) Equals(other Addr) bool {
	return a.CID == other.CID && a.Port == other.Port
}

// Bound reports whether the address has been assigned a concrete port.
func (a Addr) Bound() bool {
	return a.Port != PortAny
}

// Privileged reports whether binding to this address requires an
// elevated capability.
func (a Addr) Privileged() bool {
	return a.Port <= MaxReservedPort
}

func (a Addr) String() string {
	return fmt.Sprintf("%d:%d", a.CID, a.Port)
}

// Validate checks an address for the well-formedness rules of the
// engine's single address family. A family mismatch (spec.md's
// InvalidFamily) can't occur here since Addr is family-specific by
// construction, and Kind has no separate family-mismatch value.
// Reserved-combination checks
// (privileged port without capability, connect to the hypervisor) are
// context-dependent and live at the socket-op layer (bind/connect)
// instead, where a listener/caller context actually exists.
func (a Addr) Validate() error {
	return nil
}
