package orchestrator

import "strings"

// command is one parsed slash command.
type command struct {
	// Name is the command without the leading slash, lowercased.
	Name string
	// Args are the remaining words, with double-quoted groups kept whole.
	Args []string
	// Raw is the untokenized text after the command name, whitespace and
	// newlines intact. Commands that take free text (/template-add bodies)
	// read this instead of rejoining Args.
	Raw string
}

// parseCommand splits a slash command into name and arguments. Returns
// false for anything that is not a slash command, including "/" alone.
func parseCommand(text string) (*command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}
	rest := text[1:]
	fields := splitArgs(rest)
	if len(fields) == 0 || fields[0] == "" {
		return nil, false
	}
	_, raw := cutToken(rest)
	return &command{
		Name: strings.ToLower(fields[0]),
		Args: fields[1:],
		Raw:  raw,
	}, true
}

// cutToken splits the first whitespace-delimited token off s and returns it
// with the trimmed remainder.
func cutToken(s string) (token, rest string) {
	s = strings.TrimLeft(s, " \t\n")
	i := strings.IndexAny(s, " \t\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

// splitArgs splits on whitespace while keeping double-quoted groups
// together. A backslash escapes the next character inside quotes, so
// embedded quotes survive. An unterminated quote runs to the end of input.
func splitArgs(s string) []string {
	var args []string
	var cur strings.Builder
	inQuotes := false
	escaped := false
	started := false

	flush := func() {
		if started {
			args = append(args, cur.String())
			cur.Reset()
			started = false
		}
	}

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case inQuotes && r == '\\':
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
			started = true
		case !inQuotes && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	flush()
	return args
}
