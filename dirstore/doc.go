/*
Package dirstore implements the glyph-storage contract on a local project
directory. The layout it reads and writes is:

	<project>/
	   font.json             project metadata: family, units-per-em, axes, lib
	   glyphs/<file>.json    one self-describing file per glyph
	   locks/<file>.lock     advisory per-glyph lock files

Glyph names map to file names deterministically: names are NFC-normalized,
capitals are marked (projects have to survive case-insensitive filesystems),
unsafe runes are escaped, and overlong names are clamped with a hash suffix.

Writes are atomic: records are serialized to a temporary file in the same
directory and renamed into place, so a crash mid-write never leaves a torn
file visible to readers. A glyph's revision is its file modification time
paired with a content hash; the hash catches external edits that a coarse
filesystem clock would hide.

A filesystem watcher turns external edits (anything not written by this
process) into ChangeEvents with origin "external".

Importing the package registers the "dir" substrate kind:

	store, err := glyphstore.Open(ctx, "dir", glyphstore.Config{
	    Path:   "/fonts/MyProject",
	    Holder: "hanna",
	})

# Status

Work in progress. Lock files are advisory; nothing stops a non-cooperating
process from editing glyph files directly — such edits surface as external
ChangeEvents, like any other out-of-band modification.

# License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © Norbert Pillmayer <norbert@pillmayer.com>
*/
package dirstore

import (
	"github.com/npillmayer/schuko/tracing"
)

// tracer writes to trace with key 'glyphstore.dir'
func tracer() tracing.Trace {
	return tracing.Select("glyphstore.dir")
}
