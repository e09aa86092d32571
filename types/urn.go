package types

import (
	"fmt"
	"strings"
)

// NetworkURN is the opaque identifier of a chain, e.g. "urn:ocn:polkadot:2004".
// It is immutable and used as a map key throughout the system.
type NetworkURN string

// Valid reports whether the URN has the expected
// "urn:ocn:<consensus>:<chainId>" shape.
func (u NetworkURN) Valid() bool {
	parts := strings.Split(string(u), ":")
	if len(parts) != 4 {
		return false
	}
	if parts[0] != "urn" || parts[1] != "ocn" {
		return false
	}
	return parts[2] != "" && parts[3] != ""
}

// Consensus returns the consensus segment of the URN ("polkadot" in
// "urn:ocn:polkadot:2004"), or "" for malformed URNs.
func (u NetworkURN) Consensus() string {
	parts := strings.Split(string(u), ":")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}

// ChainID returns the chain segment of the URN ("2004" in
// "urn:ocn:polkadot:2004"), or "" for malformed URNs.
func (u NetworkURN) ChainID() string {
	parts := strings.Split(string(u), ":")
	if len(parts) != 4 {
		return ""
	}
	return parts[3]
}

func (u NetworkURN) String() string {
	return string(u)
}

// urnEscaper maps URN characters that are not valid in JetStream KV keys or
// NATS subject tokens to safe equivalents.
var urnEscaper = strings.NewReplacer(":", "-", ".", "_", "*", "_", ">", "_", " ", "_")

// Token returns a KV-key and subject-token safe encoding of the URN.
// "urn:ocn:polkadot:2004" becomes "urn-ocn-polkadot-2004".
func (u NetworkURN) Token() string {
	return urnEscaper.Replace(string(u))
}

// ParseNetworkURN validates and returns a NetworkURN.
func ParseNetworkURN(s string) (NetworkURN, error) {
	u := NetworkURN(s)
	if !u.Valid() {
		return "", fmt.Errorf("malformed network URN %q", s)
	}
	return u, nil
}
