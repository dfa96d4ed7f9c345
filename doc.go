// Package atomix implements the apply/service-manager core and the client
// session/dispatch core of a Raft-backed replicated state-machine runtime.
//
// Consensus proper (leader election, log replication, AppendEntries) is not
// part of this package. It is represented by the LogCursor interface: an
// external collaborator that exposes a committed, ordered log and its last
// committed index. This package applies committed entries to
// user-supplied deterministic Services, manages session lifecycle, and
// drives the client-side request/retry pipeline against whichever member of
// the cluster currently serves as leader.
package atomix
