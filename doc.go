// Package pva implements a PVAccess protocol client: UDP beacon and
// search-based server discovery, shared TCP virtual circuits, channel
// lifecycle management, and the eight request/response operation
// kinds (Get, Put, PutGet, Process, RPC, Array, Monitor, GetField).
//
// A Context is the top-level facade. It owns every shared
// collaborator — the broadcast and search UDP sockets, the circuit
// registry, the CID/IOID allocators — and is the entry point for
// creating channels:
//
//	ctx, err := pva.NewContext(pva.LoadConfig(), registryFactory, logger, nil)
//	ch, err := ctx.CreateChannel("my:pv:name", requester, 0)
//
// Once a channel reaches ChannelConnected, operations are created
// through the matching Context.CreateChannelX method and driven
// through their own Get/Put/Start/Stop/Destroy methods; results and
// state transitions arrive through the requester callback interface
// each operation kind defines.
//
// The wire, introspect, and internal/plog, internal/metrics
// sub-packages hold the serialization primitives, the pluggable
// structured-data collaborator, and the ambient logging/metrics
// machinery respectively; none of them are meant to be used directly
// by an application outside of the introspect.Registry implementation
// it supplies to NewContext.
package pva
