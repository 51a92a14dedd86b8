/*
Package glyphlock coordinates per-glyph editing locks for one session.

Every glyph runs the little state machine Unlocked → Locked(holder) →
Unlocked. A Coordinator mirrors the substrate's lock state for the tickets
this session holds, which lets it answer two questions without a substrate
round-trip: "does this holder already own the lock?" (idempotent re-acquire)
and "may this write proceed?" (the pre-flight gate that turns lockless writes
into ErrLockRequired before any network or file I/O happens).

The substrate side is the Locker interface, implemented by both the
directory store and the remote client. Session teardown calls ReleaseAll,
which clears every local ticket even when the substrate is unreachable; the
remote service's server-side expiry is the fallback for tickets that could
not be released explicitly.

# License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © Norbert Pillmayer <norbert@pillmayer.com>
*/
package glyphlock

import (
	"github.com/npillmayer/schuko/tracing"
)

// tracer writes to trace with key 'glyphstore.lock'
func tracer() tracing.Trace {
	return tracing.Select("glyphstore.lock")
}
