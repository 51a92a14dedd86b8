package dirstore

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/npillmayer/glyphstore"
	"golang.org/x/text/unicode/norm"
)

// Characters allowed verbatim in glyph file names, besides letters and
// digits. Everything else gets escaped. The underscore is not in this set:
// it is reserved as the capital marker, which keeps the mapping injective.
const safePunctuation = ".-+"

// Windows device names; a file named "con.json" is trouble even today.
var reservedFileNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true, "clock$": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

const maxStemLength = 200

// fileStem maps a glyph name to the stem of its file name (no extension).
// The mapping is deterministic and injective: distinct glyph names never
// collide, even on case-insensitive filesystems.
func fileStem(name glyphstore.GlyphName) string {
	normalized := norm.NFC.String(string(name))
	var b strings.Builder
	for _, r := range normalized {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			// mark capitals so "A" and "a" stay distinct files
			b.WriteRune(r)
			b.WriteByte('_')
		case strings.ContainsRune(safePunctuation, r):
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "%%%04X", r)
		}
	}
	stem := b.String()
	if stem == "" || stem[0] == '.' {
		stem = "_" + stem
	}
	if reservedFileNames[strings.ToLower(stem)] {
		stem = "_" + stem
	}
	if len(stem) > maxStemLength {
		digest := xxhash.Sum64String(normalized)
		stem = fmt.Sprintf("%s~%016x", stem[:maxStemLength-17], digest)
	}
	return stem
}
