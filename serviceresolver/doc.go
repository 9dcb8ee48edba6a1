// Package serviceresolver resolves the advertised address of an enclave's backend peer.
//
// Backends may be addressed directly as host:port or indirectly through DNS SRV records
// using srv://_service._proto.domain, which lets operators move a backend without
// changing the runtime configuration of its clients.
package serviceresolver
