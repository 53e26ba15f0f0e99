// Package conf parses and writes WireGuard .conf files. Parsing is
// lossless: every source line keeps its raw text, so writing an unmodified
// parse reproduces the input byte for byte. Files built programmatically
// (by the generator) render in canonical form.
package conf

import "strings"

// Canonical section names.
const (
	SectionInterface = "Interface"
	SectionPeer      = "Peer"
)

// LineKind classifies one line of a section body.
type LineKind int

const (
	LineField LineKind = iota
	LineComment
	LineBlank
)

// CommentPosition tags where a comment sits relative to its attachment.
type CommentPosition string

const (
	CommentBeforeSection CommentPosition = "before-section"
	CommentBeforeField   CommentPosition = "before-field"
	CommentInline        CommentPosition = "inline"
	CommentAfterSection  CommentPosition = "after-section"
	CommentEndOfFile     CommentPosition = "end-of-file"
)

// Line is one physical line. raw holds the original text (without newline)
// and is emitted unchanged unless the line was mutated or synthesized.
type Line struct {
	Kind LineKind

	// Field lines only. Key preserves the original case.
	Key           string
	Value         string
	InlineComment string // includes the "#" and any spacing before it

	raw   string
	dirty bool
}

// Text returns the line's source text; comments include their '#'.
func (l *Line) Text() string { return l.raw }

// SetValue replaces the field value and marks the line for canonical
// re-rendering.
func (l *Line) SetValue(v string) {
	l.Value = v
	l.dirty = true
}

// Values splits a multi-valued field (Address, DNS, AllowedIPs) on commas,
// trimming surrounding space while the stored order is kept.
func (l *Line) Values() []string {
	if l.Kind != LineField || l.Value == "" {
		return nil
	}
	parts := strings.Split(l.Value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Section is one [Interface] or [Peer] block with its body lines in file
// order.
type Section struct {
	Name string // canonical
	// Comments (and blanks) between the previous section and this header.
	Leading []*Line
	Lines   []*Line

	headerRaw   string
	headerDirty bool
}

// Get returns the value of the first occurrence of key, case-sensitive on
// the canonical spelling but matched case-insensitively as WireGuard does.
func (s *Section) Get(key string) (string, bool) {
	for _, l := range s.Lines {
		if l.Kind == LineField && strings.EqualFold(l.Key, key) {
			return l.Value, true
		}
	}
	return "", false
}

// Field returns the first field line for key.
func (s *Section) Field(key string) *Line {
	for _, l := range s.Lines {
		if l.Kind == LineField && strings.EqualFold(l.Key, key) {
			return l
		}
	}
	return nil
}

// Fields returns every field line for key, in order. Repeated keys
// (multiple Address or PostUp lines) are legal.
func (s *Section) Fields(key string) []*Line {
	var out []*Line
	for _, l := range s.Lines {
		if l.Kind == LineField && strings.EqualFold(l.Key, key) {
			out = append(out, l)
		}
	}
	return out
}

// Values collects and flattens the comma-split values of every occurrence
// of key.
func (s *Section) Values(key string) []string {
	var out []string
	for _, l := range s.Fields(key) {
		out = append(out, l.Values()...)
	}
	return out
}

// Set replaces the first occurrence of key or appends a new field line.
func (s *Section) Set(key, value string) {
	if l := s.Field(key); l != nil {
		l.SetValue(value)
		return
	}
	s.Append(key, value)
}

// Append adds a new canonical field line at the end of the section body.
func (s *Section) Append(key, value string) {
	s.Lines = append(s.Lines, &Line{Kind: LineField, Key: key, Value: value, dirty: true})
}

// Remove deletes every occurrence of key. Returns true if anything was
// removed.
func (s *Section) Remove(key string) bool {
	kept := s.Lines[:0]
	removed := false
	for _, l := range s.Lines {
		if l.Kind == LineField && strings.EqualFold(l.Key, key) {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	s.Lines = kept
	return removed
}

// UnknownKeys lists field keys the core does not understand, preserving
// their original case and order.
func (s *Section) UnknownKeys() []string {
	known := knownInterfaceKeys
	if s.Name == SectionPeer {
		known = knownPeerKeys
	}
	var out []string
	for _, l := range s.Lines {
		if l.Kind != LineField {
			continue
		}
		if _, ok := known[strings.ToLower(l.Key)]; !ok {
			out = append(out, l.Key)
		}
	}
	return out
}

// Profile captures the formatting a file arrived with, so synthesized
// additions blend in.
type Profile struct {
	// EqSep is the text around the '=' of field lines ("=", " = ", "= ").
	EqSep string
	// BlankBetweenPeers is the number of blank lines separating sections.
	BlankBetweenPeers int
}

// DefaultProfile is used for files built from scratch.
var DefaultProfile = Profile{EqSep: " = ", BlankBetweenPeers: 1}

// File is a parsed or synthesized .conf.
type File struct {
	// Sections in file order. Exactly one has Name == SectionInterface.
	Sections []*Section
	// Trailing comments/blank lines after the last section.
	Trailing []*Line

	Profile        Profile
	noFinalNewline bool
}

// Interface returns the [Interface] section.
func (f *File) Interface() *Section {
	for _, s := range f.Sections {
		if s.Name == SectionInterface {
			return s
		}
	}
	return nil
}

// Peers returns the [Peer] sections in file order.
func (f *File) Peers() []*Section {
	var out []*Section
	for _, s := range f.Sections {
		if s.Name == SectionPeer {
			out = append(out, s)
		}
	}
	return out
}

// New returns an empty file with canonical formatting, for the generator.
func New() *File {
	return &File{Profile: DefaultProfile}
}

// AddSection appends a new synthesized section.
func (f *File) AddSection(name string) *Section {
	s := &Section{Name: name, headerDirty: true}
	f.Sections = append(f.Sections, s)
	return s
}

// Keys the core understands. Everything else is preserved verbatim.
var knownInterfaceKeys = map[string]struct{}{
	"privatekey": {}, "address": {}, "listenport": {}, "dns": {}, "mtu": {},
	"table": {}, "postup": {}, "postdown": {}, "preup": {}, "predown": {},
	"fwmark": {}, "saveconfig": {},
}

var knownPeerKeys = map[string]struct{}{
	"publickey": {}, "presharedkey": {}, "allowedips": {}, "endpoint": {},
	"persistentkeepalive": {},
}

// peerOnlyKeys are keys that are structural errors inside [Interface].
var peerOnlyKeys = map[string]struct{}{
	"publickey": {}, "presharedkey": {}, "allowedips": {}, "endpoint": {},
	"persistentkeepalive": {},
}

// interfaceOnlyKeys are keys that are structural errors inside [Peer].
var interfaceOnlyKeys = map[string]struct{}{
	"privatekey": {}, "address": {}, "listenport": {}, "dns": {}, "mtu": {},
	"postup": {}, "postdown": {}, "preup": {}, "predown": {},
}
