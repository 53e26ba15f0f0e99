package conf

import "strings"

// Comment returns a synthesized comment line.
func Comment(text string) *Line {
	if !strings.HasPrefix(text, "#") {
		text = "# " + text
	}
	return &Line{Kind: LineComment, raw: text}
}

// Blank returns a synthesized blank line.
func Blank() *Line { return &Line{Kind: LineBlank, dirty: true} }

// TagCommand classifies a PostUp/PostDown shell string on a best-effort
// basis. The tag is advisory only: the writer always emits the original
// verbatim string, and commands that do not match any pattern get an empty
// tag.
func TagCommand(text string) string {
	t := strings.TrimSpace(text)
	fields := strings.Fields(t)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "iptables", "ip6tables", "iptables-nft", "ip6tables-nft":
		for i, f := range fields {
			switch f {
			case "FORWARD":
				if contains(fields, "ACCEPT") {
					return fields[0] + " FORWARD accept"
				}
				return fields[0] + " FORWARD"
			case "POSTROUTING":
				if contains(fields, "MASQUERADE") {
					return fields[0] + " masquerade"
				}
				_ = i
				return fields[0] + " POSTROUTING"
			case "TCPMSS":
				return fields[0] + " mss clamp"
			}
		}
		return fields[0]
	case "nft":
		return "nft"
	case "sysctl":
		for _, f := range fields[1:] {
			if strings.Contains(f, "=") {
				return "sysctl " + f
			}
		}
		return "sysctl"
	case "ip":
		if len(fields) > 1 {
			return "ip " + fields[1]
		}
		return "ip"
	case "wg":
		return "wg"
	}
	return ""
}

func contains(fields []string, want string) bool {
	for _, f := range fields {
		if f == want {
			return true
		}
	}
	return false
}
