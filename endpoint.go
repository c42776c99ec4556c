// SPDX-License-Identifier: GPL-3.0-or-later

package connpipe

import "net/netip"

// Endpoint identifies a destination to connect to.
//
// Endpoint is comparable: two endpoints with the same fields are
// interchangeable and may be used as map keys.
type Endpoint struct {
	// Network is the transport network (e.g., "tcp", "udp", "memory").
	Network string

	// Address is the transport address (e.g., "127.0.0.1:443" or a memory listener name).
	Address string
}

// NewEndpoint returns an [Endpoint] for the given network and [netip.AddrPort].
func NewEndpoint(network string, address netip.AddrPort) Endpoint {
	return Endpoint{Network: network, Address: address.String()}
}

// String returns network/address.
func (ep Endpoint) String() string {
	return ep.Network + "/" + ep.Address
}

// NewEndpointFunc returns a [Func] that always returns the given [Endpoint].
//
// This is a convenience wrapper around [ConstFunc] for the common case of
// injecting a destination into a dial pipeline.
func NewEndpointFunc(endpoint Endpoint) Func[Unit, Endpoint] {
	return ConstFunc(endpoint)
}

// PoolKey identifies a [*Pool] slot.
//
// Keys compare by value: two separately constructed keys with the same
// endpoint and route share the same slot and the same limit.
type PoolKey struct {
	// Endpoint is the destination to dial when the slot needs a new connection.
	Endpoint Endpoint

	// Route discriminates otherwise identical endpoints (e.g., a virtual host
	// or a tenant) so that each gets its own slot.
	Route string
}

// String returns endpoint#route, or just the endpoint when Route is empty.
func (k PoolKey) String() string {
	if k.Route == "" {
		return k.Endpoint.String()
	}
	return k.Endpoint.String() + "#" + k.Route
}
