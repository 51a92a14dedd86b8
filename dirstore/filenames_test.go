package dirstore

import (
	"strings"
	"testing"

	"github.com/npillmayer/glyphstore"
	"github.com/npillmayer/schuko/tracing/gotestingadapter"
)

func TestFileStemMapping(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.dir")
	defer teardown()
	//
	cases := []struct {
		name glyphstore.GlyphName
		stem string
	}{
		{"a", "a"},
		{"A", "A_"},                 // capitals are marked
		{"Aacute", "A_acute"},       // only the capital gets the marker
		{"a.alt01", "a.alt01"},      // safe punctuation kept
		{"a_b", "a%005Fb"},          // underscore is reserved, escaped
		{"uni4E00", "uni4E_00"},     // the capital E gets marked too
		{"con", "_con"},             // reserved device name
		{".notdef", "_.notdef"},     // leading dot guarded
		{"a*b", "a%002Ab"},          // unsafe rune escaped
	}
	for _, c := range cases {
		if got := fileStem(c.name); got != c.stem {
			t.Errorf("fileStem(%q) = %q, expected %q", c.name, got, c.stem)
		}
	}
}

func TestFileStemDistinguishesCase(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.dir")
	defer teardown()
	//
	a, A := fileStem("a"), fileStem("A")
	if strings.EqualFold(a, A) {
		t.Errorf("stems %q and %q collide on case-insensitive filesystems", a, A)
	}
}

func TestFileStemClampsOverlongNames(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.dir")
	defer teardown()
	//
	long1 := glyphstore.GlyphName(strings.Repeat("a", 400) + "1")
	long2 := glyphstore.GlyphName(strings.Repeat("a", 400) + "2")
	stem1, stem2 := fileStem(long1), fileStem(long2)
	if len(stem1) > maxStemLength {
		t.Errorf("clamped stem still %d runes long", len(stem1))
	}
	if stem1 == stem2 {
		t.Error("distinct overlong names map to the same stem")
	}
}

func TestFileStemDeterministic(t *testing.T) {
	teardown := gotestingadapter.QuickConfig(t, "glyphstore.dir")
	defer teardown()
	//
	// composed and decomposed spellings of the same name agree
	composed := glyphstore.GlyphName("Ä")   // Ä
	decomposed := glyphstore.GlyphName("Ä") // A + combining diaeresis
	if fileStem(composed) != fileStem(decomposed) {
		t.Error("NFC normalization not applied before mapping")
	}
}
