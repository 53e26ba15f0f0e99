package conf

import (
	"strings"

	"github.com/edvin/wgfleet/internal/faults"
)

// Mode selects how unknown keys are treated.
type Mode int

const (
	// ModePreserve keeps unknown keys verbatim. The default.
	ModePreserve Mode = iota
	// ModeStrict rejects unknown keys with an UnknownFieldError.
	ModeStrict
)

// Parse parses a .conf in preserve mode.
func Parse(text string) (*File, error) {
	return ParseMode(text, ModePreserve)
}

// ParseMode parses a .conf. Structural breakage (unterminated section
// header, duplicate [Interface], known key in the wrong section, a line
// that is none of section/field/comment/blank) yields a ParseError.
func ParseMode(text string, mode Mode) (*File, error) {
	f := &File{Profile: DefaultProfile}
	if text != "" && !strings.HasSuffix(text, "\n") {
		f.noFinalNewline = true
	}

	lines := strings.Split(text, "\n")
	// Split leaves one empty trailing element when text ends with "\n".
	if n := len(lines); n > 0 && lines[n-1] == "" && !f.noFinalNewline {
		lines = lines[:n-1]
	}

	var cur *Section
	var pending []*Line // comments/blanks not yet attached to a section
	seenInterface := false
	profiled := false

	for i, raw := range lines {
		lineno := i + 1
		trimmed := strings.TrimSpace(raw)

		switch {
		case trimmed == "":
			pending = append(pending, &Line{Kind: LineBlank, raw: raw})

		case strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";"):
			pending = append(pending, &Line{Kind: LineComment, raw: raw})

		case strings.HasPrefix(trimmed, "["):
			end := strings.Index(trimmed, "]")
			if end < 0 {
				return nil, &faults.ParseError{Line: lineno, Col: 1, Kind: "unterminated-section",
					Msg: "section header has no closing bracket"}
			}
			name := strings.TrimSpace(trimmed[1:end])
			var canonical string
			switch strings.ToLower(name) {
			case "interface":
				if seenInterface {
					return nil, &faults.ParseError{Line: lineno, Col: 1, Kind: "duplicate-interface",
						Msg: "more than one [Interface] section"}
				}
				seenInterface = true
				canonical = SectionInterface
			case "peer":
				canonical = SectionPeer
			default:
				return nil, &faults.ParseError{Line: lineno, Col: 1, Kind: "unknown-section",
					Msg: "unknown section [" + name + "]"}
			}
			if cur == nil {
				// Everything before the first header belongs to it.
				cur = &Section{Name: canonical, headerRaw: raw, Leading: pending}
			} else {
				cur = &Section{Name: canonical, headerRaw: raw, Leading: pending}
			}
			pending = nil
			f.Sections = append(f.Sections, cur)

		default:
			eq := strings.Index(raw, "=")
			if eq < 0 {
				return nil, &faults.ParseError{Line: lineno, Col: 1, Kind: "malformed-line",
					Msg: "expected Key = Value"}
			}
			if cur == nil {
				return nil, &faults.ParseError{Line: lineno, Col: 1, Kind: "field-outside-section",
					Msg: "field before any section header"}
			}
			key := strings.TrimSpace(raw[:eq])
			if key == "" {
				return nil, &faults.ParseError{Line: lineno, Col: 1, Kind: "malformed-line",
					Msg: "empty key"}
			}
			value, inline := splitInlineComment(key, raw[eq+1:])
			value = strings.TrimSpace(value)

			lk := strings.ToLower(key)
			if cur.Name == SectionInterface {
				if _, bad := peerOnlyKeys[lk]; bad {
					return nil, &faults.ParseError{Line: lineno, Col: 1, Kind: "key-in-wrong-section",
						Msg: key + " is a [Peer] key"}
				}
			} else {
				if _, bad := interfaceOnlyKeys[lk]; bad {
					return nil, &faults.ParseError{Line: lineno, Col: 1, Kind: "key-in-wrong-section",
						Msg: key + " is an [Interface] key"}
				}
			}

			if !profiled {
				f.Profile.EqSep = eqSeparator(raw, eq)
				profiled = true
			}

			cur.Lines = append(cur.Lines, pending...)
			pending = nil
			cur.Lines = append(cur.Lines, &Line{
				Kind:          LineField,
				Key:           key,
				Value:         value,
				InlineComment: inline,
				raw:           raw,
			})
		}
	}

	if len(pending) > 0 {
		f.Trailing = pending
	}

	if f.Interface() == nil {
		return nil, &faults.ParseError{Line: len(lines), Col: 1, Kind: "missing-interface",
			Msg: "no [Interface] section"}
	}

	f.Profile.BlankBetweenPeers = detectBlankRun(f)

	if mode == ModeStrict {
		for _, s := range f.Sections {
			if keys := s.UnknownKeys(); len(keys) > 0 {
				return nil, &faults.UnknownFieldError{Section: s.Name, Keys: keys}
			}
		}
	}

	return f, nil
}

// splitInlineComment separates a trailing "# ..." comment from a value.
// PostUp/PostDown and the other command keys are opaque shell strings where
// '#' may be meaningful, so they never lose a suffix.
func splitInlineComment(key, rest string) (value, inline string) {
	switch strings.ToLower(key) {
	case "postup", "postdown", "preup", "predown":
		return rest, ""
	}
	if idx := strings.Index(rest, "#"); idx >= 0 {
		return rest[:idx], rest[idx:]
	}
	return rest, ""
}

// eqSeparator extracts the text around '=' of a raw field line, e.g. " = ".
func eqSeparator(raw string, eq int) string {
	start := eq
	for start > 0 && (raw[start-1] == ' ' || raw[start-1] == '\t') {
		start--
	}
	end := eq + 1
	for end < len(raw) && (raw[end] == ' ' || raw[end] == '\t') {
		end++
	}
	return raw[start:end]
}

// detectBlankRun counts the blank lines leading the second section, which
// is the file's own convention for separating peers.
func detectBlankRun(f *File) int {
	if len(f.Sections) < 2 {
		return DefaultProfile.BlankBetweenPeers
	}
	n := 0
	for _, l := range f.Sections[1].Leading {
		if l.Kind == LineBlank {
			n++
		}
	}
	if n == 0 {
		return DefaultProfile.BlankBetweenPeers
	}
	return n
}
