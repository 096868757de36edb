// Package oplock coordinates SMB client caching: oplocks (SMB1 and SMB2)
// and SMB2.1+ leases.
//
// A Manager grants caching levels on open, revokes them through break
// notifications when a conflicting open arrives, and tracks each client's
// leases by GUID so a lease key opened twice shares one caching state.
// Break waits are bounded: a client that never acknowledges is forced to
// the break target after Config.BreakTimeout.
//
// The package owns no sockets or files. Callers supply a Transport that
// writes break notifications, a FileResolver that maps file ids to open
// handles, a SessionResolver used during durable reconnect, and optionally
// a durable.Store.
//
// Lock order: Manager.filesMu -> File.mu -> Record.mu -> Lease.mu.
// LeaseTables.mu and Manager.connsMu are leaves and are never held while
// another of these is acquired. No lock is held across a break wait.
package oplock
