/*
Package glyphstore provides a uniform storage contract for editable font glyphs.

A font project is a set of named glyph records plus project-wide metadata
(family name, units-per-em, global design axes). Projects live on one of two
substrates: a local directory tree, or a remote collaborative editing service
reachable over HTTP with a push-update channel. Clients program against the
Store interface in this package and select a substrate by configuration; the
concrete implementations are homed in sister packages:

▪︎ dirstore reads and writes the directory-based project layout and watches
for external filesystem edits,

▪︎ webstore talks to the remote service and listens for updates pushed by
other collaborators.

Both substrates share a cache with revision tracking (package glyphcache) and
a per-glyph lock coordinator (package glyphlock). The cache never holds the
authoritative copy: the directory tree or the remote service always does.
Writes are guarded twice, by an editing lock (a write without a held
LockTicket fails with ErrLockRequired before any substrate round-trip) and by
an optimistic revision check (a write with a stale expected revision fails
with ErrRevisionConflict). Conflicts are surfaced, never merged silently.

Out-of-band changes, whether made by a collaborator on the remote service or
by touching project files directly on disk, arrive as ChangeEvents on the
stream returned by Subscribe. Package glyphstore does not render glyphs and
treats outline geometry as an opaque payload.

# Status

Work in progress. The directory substrate and the remote client are usable;
conflict resolution policy is deliberately left to the application layer.

# License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © Norbert Pillmayer <norbert@pillmayer.com>
*/
package glyphstore

import (
	"github.com/npillmayer/schuko/tracing"
)

// tracer writes to trace with key 'glyphstore'
func tracer() tracing.Trace {
	return tracing.Select("glyphstore")
}
