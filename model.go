package glyphstore

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// GlyphName identifies a glyph within a project. It is the primary key for
// records, index entries and locks, and has to be safe for use as part of a
// file name or URL path segment.
type GlyphName string

// Validate checks a glyph name for substrate safety. Names are rejected if
// they are empty, contain path separators or control characters, or
// normalize (NFC) to nothing.
func (n GlyphName) Validate() error {
	if n == "" {
		return fmt.Errorf("%w: empty glyph name", ErrInvalidName)
	}
	if norm.NFC.String(string(n)) == "" {
		return fmt.Errorf("%w: name %q normalizes to nothing", ErrInvalidName, string(n))
	}
	for _, r := range string(n) {
		switch {
		case r == '/' || r == '\\':
			return fmt.Errorf("%w: name %q contains a path separator", ErrInvalidName, string(n))
		case r < 0x20 || r == 0x7f || unicode.Is(unicode.Cc, r):
			return fmt.Errorf("%w: name %q contains a control character", ErrInvalidName, string(n))
		}
	}
	if n == "." || n == ".." {
		return fmt.Errorf("%w: name %q is a relative path element", ErrInvalidName, string(n))
	}
	return nil
}

// Normalized returns the NFC form of the name. Substrates normalize at the
// boundary so that composed and decomposed spellings address the same glyph.
func (n GlyphName) Normalized() GlyphName {
	return GlyphName(norm.NFC.String(string(n)))
}

// --- Revisions -------------------------------------------------------------

// Revision is a comparable stamp identifying one version of a glyph record.
//
// Stamp is the primary component: a server-issued sequence number for the
// remote substrate, or a file modification time in Unix nanoseconds for the
// local one. Hash is a content digest used as tie-breaker where the stamp
// resolution may be coarser than the edit frequency (filesystem clocks); it
// is zero for substrates issuing exact stamps.
type Revision struct {
	Stamp int64
	Hash  uint64
}

// IsZero reports whether r is the zero revision (no known version).
func (r Revision) IsZero() bool {
	return r.Stamp == 0 && r.Hash == 0
}

// After reports whether r denotes a strictly newer version than other.
// Revisions with equal stamps but different hashes compare as newer, since a
// changed content digest proves the data moved even if the clock did not.
func (r Revision) After(other Revision) bool {
	if r.Stamp != other.Stamp {
		return r.Stamp > other.Stamp
	}
	return r.Hash != other.Hash
}

// Matches reports whether two revisions denote the same version.
func (r Revision) Matches(other Revision) bool {
	return r.Stamp == other.Stamp && r.Hash == other.Hash
}

// String returns the fixed-width hexadecimal wire form of the revision.
func (r Revision) String() string {
	return fmt.Sprintf("%016x-%016x", uint64(r.Stamp), r.Hash)
}

// ParseRevision parses the wire form produced by Revision.String.
func ParseRevision(s string) (Revision, error) {
	var stamp, hash uint64
	if len(s) != 33 || s[16] != '-' {
		return Revision{}, fmt.Errorf("malformed revision %q", s)
	}
	if _, err := fmt.Sscanf(s, "%016x-%016x", &stamp, &hash); err != nil {
		return Revision{}, fmt.Errorf("malformed revision %q: %w", s, err)
	}
	return Revision{Stamp: int64(stamp), Hash: hash}, nil
}

// --- Glyph records ---------------------------------------------------------

// Transform is a 2D affine transformation applied to a referenced component.
type Transform struct {
	TranslateX float64 `json:"translate_x,omitempty"`
	TranslateY float64 `json:"translate_y,omitempty"`
	Rotation   float64 `json:"rotation,omitempty"`
	ScaleX     float64 `json:"scale_x,omitempty"`
	ScaleY     float64 `json:"scale_y,omitempty"`
}

// Component is a reference from one glyph layer to another glyph, placed with
// a transform and a design-space location for the referenced glyph's axes.
type Component struct {
	Name      GlyphName          `json:"name"`
	Transform Transform          `json:"transform,omitempty"`
	Location  map[string]float64 `json:"location,omitempty"`
}

// Layer holds the drawable content of one glyph variant: an advance width,
// an opaque outline payload, and references to component glyphs.
type Layer struct {
	AdvanceWidth float64     `json:"advance_width"`
	Outline      []byte      `json:"outline,omitempty"`
	Components   []Component `json:"components,omitempty"`
}

// Source is a named design-space variant of a glyph, pointing at the layer
// holding its content.
type Source struct {
	Name      string             `json:"name"`
	LayerName string             `json:"layer_name"`
	Location  map[string]float64 `json:"location,omitempty"`
	Inactive  bool               `json:"inactive,omitempty"`
	Status    int                `json:"status,omitempty"`
}

// GlyphAxis is a per-glyph design axis (variable components use these).
type GlyphAxis struct {
	Name    string  `json:"name"`
	Min     float64 `json:"min"`
	Default float64 `json:"default"`
	Max     float64 `json:"max"`
}

// GlyphRecord is the full editable payload for one glyph. The outline
// geometry inside layers is opaque to this package.
type GlyphRecord struct {
	Unicodes []rune           `json:"unicodes,omitempty"`
	Axes     []GlyphAxis      `json:"axes,omitempty"`
	Sources  []Source         `json:"sources,omitempty"`
	Layers   map[string]Layer `json:"layers,omitempty"`
	Lib      map[string]any   `json:"lib,omitempty"`
}

// Clone returns a deep copy of the record. Cached records are handed out as
// clones so that callers can mutate them freely.
func (rec *GlyphRecord) Clone() *GlyphRecord {
	if rec == nil {
		return nil
	}
	dup := &GlyphRecord{
		Unicodes: append([]rune(nil), rec.Unicodes...),
		Axes:     append([]GlyphAxis(nil), rec.Axes...),
		Sources:  make([]Source, len(rec.Sources)),
		Lib:      cloneAnyMap(rec.Lib),
	}
	for i, src := range rec.Sources {
		dup.Sources[i] = src
		dup.Sources[i].Location = cloneFloatMap(src.Location)
	}
	if rec.Layers != nil {
		dup.Layers = make(map[string]Layer, len(rec.Layers))
		for name, layer := range rec.Layers {
			l := layer
			l.Outline = append([]byte(nil), layer.Outline...)
			l.Components = make([]Component, len(layer.Components))
			for i, comp := range layer.Components {
				l.Components[i] = comp
				l.Components[i].Location = cloneFloatMap(comp.Location)
			}
			dup.Layers[name] = l
		}
	}
	return dup
}

// Validate checks referential integrity: every source must point at an
// existing layer, and component references must carry valid glyph names.
func (rec *GlyphRecord) Validate() error {
	for _, src := range rec.Sources {
		if src.LayerName == "" {
			return fmt.Errorf("source %q has no layer name", src.Name)
		}
		if _, ok := rec.Layers[src.LayerName]; !ok {
			return fmt.Errorf("source %q references unknown layer %q", src.Name, src.LayerName)
		}
	}
	for layerName, layer := range rec.Layers {
		for _, comp := range layer.Components {
			if err := comp.Name.Validate(); err != nil {
				return fmt.Errorf("layer %q: component: %w", layerName, err)
			}
		}
	}
	return nil
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	dup := make(map[string]float64, len(m))
	for k, v := range m {
		dup[k] = v
	}
	return dup
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	dup := make(map[string]any, len(m))
	for k, v := range m {
		dup[k] = v
	}
	return dup
}

// --- Project-wide types ----------------------------------------------------

// IndexEntry is the lightweight per-glyph slice of the project index,
// sufficient for listing and search without fetching the full record.
type IndexEntry struct {
	Unicodes []rune   `json:"unicodes,omitempty"`
	Revision Revision `json:"revision"`
}

// ProjectIndex maps every glyph name in a project to its index entry. It is
// rebuilt on project open and updated incrementally on writes and on change
// notifications.
type ProjectIndex map[GlyphName]IndexEntry

// Clone returns an independent copy of the index.
func (idx ProjectIndex) Clone() ProjectIndex {
	dup := make(ProjectIndex, len(idx))
	for name, entry := range idx {
		entry.Unicodes = append([]rune(nil), entry.Unicodes...)
		dup[name] = entry
	}
	return dup
}

// Names returns all glyph names in the index, sorted.
func (idx ProjectIndex) Names() []GlyphName {
	names := make([]GlyphName, 0, len(idx))
	for name := range idx {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// GlobalAxis is a project-wide design axis.
type GlobalAxis struct {
	Tag     string  `json:"tag"`
	Label   string  `json:"label,omitempty"`
	Min     float64 `json:"min"`
	Default float64 `json:"default"`
	Max     float64 `json:"max"`
}

// ProjectInfo carries project-wide metadata.
type ProjectInfo struct {
	FamilyName string         `json:"family_name,omitempty"`
	UnitsPerEm int            `json:"units_per_em"`
	Axes       []GlobalAxis   `json:"axes,omitempty"`
	Lib        map[string]any `json:"lib,omitempty"`
}

// --- Locks and change events -----------------------------------------------

// LockTicket is proof of an exclusive editing claim on one glyph. Token is
// the substrate-side lock handle (a lock-file nonce or a server lock id). A
// zero Expires means the substrate imposes no expiry.
type LockTicket struct {
	Name     GlyphName
	Holder   string
	Token    string
	Acquired time.Time
	Expires  time.Time
}

// IsZero reports whether the ticket is empty.
func (t LockTicket) IsZero() bool {
	return t.Name == "" && t.Holder == "" && t.Token == ""
}

// Expired reports whether the ticket's substrate-side claim has lapsed.
func (t LockTicket) Expired(now time.Time) bool {
	return !t.Expires.IsZero() && now.After(t.Expires)
}

// Origin tells where a change observed by a store came from.
type Origin int

const (
	// OriginExternal marks filesystem edits not made through this process.
	OriginExternal Origin = iota
	// OriginRemote marks changes pushed by the remote collaboration service.
	OriginRemote
)

// String returns a human-readable representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginExternal:
		return "external"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ChangeEvent is a notification that a glyph's authoritative data changed
// outside the current session. If the substrate's push protocol carries the
// new payload, Record is set; otherwise the receiver has to refetch.
//
// Background-task failures (watcher error, push-channel loss) are reported
// as events with a non-empty Err and an empty Name, so the application can
// flag its views as possibly out of date.
type ChangeEvent struct {
	Name     GlyphName
	Revision Revision
	Origin   Origin
	Deleted  bool
	Record   *GlyphRecord
	Err      error
}

// String returns a short, loggable description of the event.
func (ev ChangeEvent) String() string {
	if ev.Err != nil {
		return fmt.Sprintf("change(%s error: %v)", ev.Origin, ev.Err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "change(%s %q @ %s", ev.Origin, ev.Name, ev.Revision)
	if ev.Deleted {
		b.WriteString(" deleted")
	}
	b.WriteString(")")
	return b.String()
}
