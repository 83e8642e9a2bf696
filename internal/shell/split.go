package shell

import "strings"

// splitFallback is a grammar-free reading of the command line: it splits on
// control operators outside quotes and tokenizes each segment.
func splitFallback(command string) rawParse {
	var out rawParse
	for _, seg := range splitSegments(command) {
		words, redirects := tokenize(seg)
		out.redirects = append(out.redirects, redirects...)
		if len(words) > 0 {
			out.commands = append(out.commands, words)
		}
	}
	return out
}

// splitSegments splits on &&, ||, |, ;, & and newlines while respecting
// quotes and $( ) nesting.
func splitSegments(command string) []string {
	var segments []string
	var current strings.Builder
	inSingle, inDouble := false, false
	depth := 0

	flush := func() {
		segments = append(segments, current.String())
		current.Reset()
	}

	for i := 0; i < len(command); i++ {
		ch := command[i]

		if ch == '\\' && !inSingle && i+1 < len(command) {
			current.WriteByte(ch)
			i++
			current.WriteByte(command[i])
			continue
		}
		if ch == '\'' && !inDouble {
			inSingle = !inSingle
			current.WriteByte(ch)
			continue
		}
		if ch == '"' && !inSingle {
			inDouble = !inDouble
			current.WriteByte(ch)
			continue
		}
		if inSingle || inDouble {
			current.WriteByte(ch)
			continue
		}

		if ch == '(' && (depth > 0 || i > 0 && command[i-1] == '$') {
			depth++
		}
		if depth > 0 {
			if ch == ')' {
				depth--
			}
			current.WriteByte(ch)
			continue
		}

		switch ch {
		case '&', '|':
			next := byte(0)
			if i+1 < len(command) {
				next = command[i+1]
			}
			prev := byte(0)
			if i > 0 {
				prev = command[i-1]
			}
			if ch == '&' && (prev == '>' || prev == '<' || next == '>') {
				current.WriteByte(ch)
				continue
			}
			if ch == '|' && prev == '>' {
				current.WriteByte(ch)
				continue
			}
			if next == ch {
				i++
			}
			flush()
		case '{', '}':
			if standalone(command, i) {
				flush()
			} else {
				current.WriteByte(ch)
			}
		case ';', '\n', '(', ')':
			flush()
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return segments
}

// standalone reports whether the byte at i is a word of its own, as the
// braces of a group command are.
func standalone(s string, i int) bool {
	sep := func(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == ';' || b == '&' || b == '|' }
	before := i == 0 || sep(s[i-1]) || s[i-1] == ')'
	after := i+1 == len(s) || sep(s[i+1])
	return before && after
}

// tokenize splits a segment into words, keeping quotes in place, and pulls
// redirection targets out of the word list.
func tokenize(segment string) (words, redirects []string) {
	var tokens []string
	var current strings.Builder
	inSingle, inDouble := false, false

	for i := 0; i < len(segment); i++ {
		ch := segment[i]
		switch {
		case ch == '\\' && !inSingle && i+1 < len(segment):
			current.WriteByte(ch)
			i++
			current.WriteByte(segment[i])
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteByte(ch)
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteByte(ch)
		case (ch == ' ' || ch == '\t') && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		op, rest, dup := splitRedirect(tok)
		if dup {
			continue
		}
		if op == "" {
			words = append(words, tok)
			continue
		}
		if rest != "" {
			redirects = append(redirects, rest)
			continue
		}
		if i+1 < len(tokens) {
			redirects = append(redirects, tokens[i+1])
			i++
		}
	}
	return words, redirects
}

// splitRedirect recognizes [n]>, [n]>>, &>, < and their attached targets.
// Descriptor duplications like 2>&1 report dup.
func splitRedirect(tok string) (op, target string, dup bool) {
	i := 0
	for i < len(tok) && tok[i] >= '0' && tok[i] <= '9' {
		i++
	}
	if i < len(tok) && tok[i] == '&' && i == 0 && len(tok) > 1 && tok[1] == '>' {
		i++
	}
	if i >= len(tok) || (tok[i] != '>' && tok[i] != '<') {
		return "", "", false
	}
	j := i + 1
	for j < len(tok) && (tok[j] == '>' || tok[j] == '|') {
		j++
	}
	rest := tok[j:]
	if strings.HasPrefix(rest, "&") {
		return tok[:j], "", true
	}
	return tok[:j], rest, false
}

// substitutions returns the bodies of $( ) and backtick substitutions
// outside single quotes.
func substitutions(command string) []string {
	var subs []string
	inSingle := false
	for i := 0; i < len(command); i++ {
		ch := command[i]
		switch {
		case ch == '\\' && !inSingle:
			i++
		case ch == '\'':
			inSingle = !inSingle
		case inSingle:
		case ch == '$' && i+1 < len(command) && command[i+1] == '(':
			depth, start := 1, i+2
			j := start
			for ; j < len(command) && depth > 0; j++ {
				switch command[j] {
				case '(':
					depth++
				case ')':
					depth--
				}
			}
			if depth == 0 {
				subs = append(subs, command[start:j-1])
				i = j - 1
			}
		case ch == '`':
			end := strings.IndexByte(command[i+1:], '`')
			if end >= 0 {
				subs = append(subs, command[i+1:i+1+end])
				i += end + 1
			}
		}
	}
	return subs
}
