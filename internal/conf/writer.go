package conf

import "strings"

// String renders the file. For an unmodified parse this reproduces the
// source bytes exactly; synthesized or mutated lines render canonically
// using the file's formatting profile.
func (f *File) String() string {
	var b strings.Builder

	for si, s := range f.Sections {
		if len(s.Leading) > 0 {
			for _, l := range s.Leading {
				b.WriteString(l.render(f.Profile))
				b.WriteByte('\n')
			}
		} else if si > 0 && s.headerDirty {
			// Synthesized sections get the file's blank-line convention.
			for i := 0; i < f.Profile.BlankBetweenPeers; i++ {
				b.WriteByte('\n')
			}
		}

		if s.headerDirty || s.headerRaw == "" {
			b.WriteString("[" + s.Name + "]")
		} else {
			b.WriteString(s.headerRaw)
		}
		b.WriteByte('\n')

		for _, l := range s.Lines {
			b.WriteString(l.render(f.Profile))
			b.WriteByte('\n')
		}
	}

	for _, l := range f.Trailing {
		b.WriteString(l.render(f.Profile))
		b.WriteByte('\n')
	}

	out := b.String()
	if f.noFinalNewline {
		out = strings.TrimSuffix(out, "\n")
	}
	return out
}

// Bytes renders the file as a byte slice.
func (f *File) Bytes() []byte { return []byte(f.String()) }

func (l *Line) render(p Profile) string {
	if !l.dirty && l.raw != "" {
		return l.raw
	}
	switch l.Kind {
	case LineBlank:
		return ""
	case LineComment:
		return l.raw
	default:
		sep := p.EqSep
		if sep == "" {
			sep = DefaultProfile.EqSep
		}
		out := l.Key + sep + l.Value
		if l.InlineComment != "" {
			out += " " + strings.TrimLeft(l.InlineComment, " ")
		}
		return out
	}
}
