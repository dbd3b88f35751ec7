// Package script validates and executes user-supplied browser automation code.
package script

import "fmt"

// SyntaxErrorKind classifies validation failures.
type SyntaxErrorKind string

// Validation failure kinds.
const (
	KindUnmatchedOpen       SyntaxErrorKind = "unmatched_open"
	KindUnexpectedClose     SyntaxErrorKind = "unexpected_close"
	KindMismatchedClose     SyntaxErrorKind = "mismatched_close"
	KindUnterminatedString  SyntaxErrorKind = "unterminated_string"
	KindUnterminatedComment SyntaxErrorKind = "unterminated_comment"
	KindTemplateInString    SyntaxErrorKind = "template_in_string"
)

// SyntaxError pinpoints the character that broke bracket or quote balance.
// Position is a zero-based character (rune) index into the code.
type SyntaxError struct {
	Kind     SyntaxErrorKind
	Position int
	Char     string
	Expected string
}

func (e *SyntaxError) Error() string {
	switch e.Kind {
	case KindUnmatchedOpen:
		return fmt.Sprintf("unmatched %q at position %d", e.Char, e.Position)
	case KindUnexpectedClose:
		return fmt.Sprintf("unexpected closing %q at position %d", e.Char, e.Position)
	case KindMismatchedClose:
		return fmt.Sprintf("mismatched closing %q at position %d, expected %q", e.Char, e.Position, e.Expected)
	case KindUnterminatedString:
		return fmt.Sprintf("unterminated string starting with %s at position %d", e.Char, e.Position)
	case KindUnterminatedComment:
		return fmt.Sprintf("unterminated comment starting at position %d", e.Position)
	case KindTemplateInString:
		return fmt.Sprintf("template expression ${ inside %s-quoted string at position %d; use backticks", e.Char, e.Position)
	default:
		return fmt.Sprintf("syntax error at position %d", e.Position)
	}
}

type scanState int

const (
	stateCode scanState = iota
	stateString
	stateTemplate
	stateLineComment
	stateBlockComment
)

type opener struct {
	char rune
	pos  int
	// template marks the '{' of a ${ substitution inside a template literal.
	template bool
}

var closers = map[rune]rune{')': '(', ']': '[', '}': '{'}

// Validate scans code for balanced brackets and terminated string literals.
// Comments are skipped, template literals and their ${} substitutions are tracked,
// and a ${ inside a single- or double-quoted string is reported. Regular
// expression literals are not recognised.
func Validate(code string) error {
	runes := []rune(code)
	var (
		stack      []opener
		state      = stateCode
		quote      rune
		literalPos int
	)

	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case stateLineComment:
			if ch == '\n' {
				state = stateCode
			}
			continue
		case stateBlockComment:
			if ch == '*' && next == '/' {
				state = stateCode
				i++
			}
			continue
		case stateString:
			switch {
			case ch == '\\':
				i++
			case ch == quote:
				state = stateCode
			case ch == '$' && next == '{':
				return &SyntaxError{Kind: KindTemplateInString, Position: i, Char: quoteName(quote)}
			case ch == '\n':
				return &SyntaxError{Kind: KindUnterminatedString, Position: literalPos, Char: string(quote)}
			}
			continue
		case stateTemplate:
			switch {
			case ch == '\\':
				i++
			case ch == '`':
				state = stateCode
			case ch == '$' && next == '{':
				stack = append(stack, opener{char: '{', pos: i + 1, template: true})
				state = stateCode
				i++
			}
			continue
		}

		switch ch {
		case '/':
			switch next {
			case '/':
				state = stateLineComment
				i++
			case '*':
				state = stateBlockComment
				literalPos = i
				i++
			}
		case '\'', '"':
			state = stateString
			quote = ch
			literalPos = i
		case '`':
			state = stateTemplate
			literalPos = i
		case '(', '[', '{':
			stack = append(stack, opener{char: ch, pos: i})
		case ')', ']', '}':
			if len(stack) == 0 {
				return &SyntaxError{Kind: KindUnexpectedClose, Position: i, Char: string(ch)}
			}
			top := stack[len(stack)-1]
			if top.char != closers[ch] {
				return &SyntaxError{
					Kind:     KindMismatchedClose,
					Position: i,
					Char:     string(ch),
					Expected: string(closerFor(top.char)),
				}
			}
			stack = stack[:len(stack)-1]
			if top.template {
				state = stateTemplate
			}
		}
	}

	switch state {
	case stateString:
		return &SyntaxError{Kind: KindUnterminatedString, Position: literalPos, Char: string(quote)}
	case stateTemplate:
		return &SyntaxError{Kind: KindUnterminatedString, Position: literalPos, Char: "`"}
	case stateBlockComment:
		return &SyntaxError{Kind: KindUnterminatedComment, Position: literalPos}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return &SyntaxError{Kind: KindUnmatchedOpen, Position: top.pos, Char: string(top.char)}
	}
	return nil
}

func closerFor(open rune) rune {
	for c, o := range closers {
		if o == open {
			return c
		}
	}
	return 0
}

func quoteName(q rune) string {
	if q == '\'' {
		return "single"
	}
	return "double"
}
