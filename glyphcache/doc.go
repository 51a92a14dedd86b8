/*
Package glyphcache tracks the current belief about every glyph in an open
project: the last known record, its revision, and whether that knowledge is
fresh. Both substrates route their reads and writes through one Cache, which
makes it the single place where foreground requests and background change
listeners meet.

The cache never owns the authoritative copy; it hands out deep clones and
keeps its own copy read-only. Mutations are serialized per entry, not per
cache, so operations on different glyphs do not contend. Concurrent misses
for the same name are coalesced into a single substrate fetch.

There is no size-based eviction: the working set is one project's glyph set.

# License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © Norbert Pillmayer <norbert@pillmayer.com>
*/
package glyphcache

import (
	"github.com/npillmayer/schuko/tracing"
)

// tracer writes to trace with key 'glyphstore.cache'
func tracer() tracing.Trace {
	return tracing.Select("glyphstore.cache")
}
