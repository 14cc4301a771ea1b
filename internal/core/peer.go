package core

// PeerID identifies a remote viewer for the lifetime of its negotiation.
// The signaling hub assigns it, the mixer never reuses it while the peer is registered.
type PeerID string

// FallbackBranch names the always present lowest priority branch of the topology.
const FallbackBranch = "fallback"
