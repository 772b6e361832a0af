package output

// Candidates returns every top-level balanced {...} substring of text, in
// order of appearance. Braces inside JSON strings are ignored once an object
// has been opened; text outside objects is never treated as a string, so a
// stray quote in a log line cannot swallow the payload.
//
// An object that is still open at end of input is dropped.
func Candidates(text string) []string {
	var (
		out      []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if depth > 0 && inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}
