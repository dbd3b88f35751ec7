package script

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code string
		kind SyntaxErrorKind
		pos  int
	}{
		{name: "plain return", code: "return 1;"},
		{name: "nested brackets", code: "const a = [1, {b: (2)}]; return a;"},
		{name: "escaped quote", code: `const s = "a\"b"; return s;`},
		{name: "brackets inside strings", code: `return ")" + '(' + "]";`},
		{name: "template literal", code: "return `hi ${rowData.name} (${[1,2].length})`;"},
		{name: "nested template", code: "return `a ${ `b ${1}` }`;"},
		{name: "line comment", code: "// don't ( worry\nreturn 1;"},
		{name: "block comment", code: "/* ) ' */ return 2;"},
		{name: "division is not a comment", code: "return (4 / 2);"},
		{name: "unmatched opening", code: "foo((", kind: KindUnmatchedOpen, pos: 4},
		{name: "unexpected closing", code: ")", kind: KindUnexpectedClose, pos: 0},
		{name: "mismatched closing", code: "foo(]", kind: KindMismatchedClose, pos: 4},
		{name: "template in single quotes", code: `'a${b}'`, kind: KindTemplateInString, pos: 2},
		{name: "template in double quotes", code: `return "x ${y}";`, kind: KindTemplateInString, pos: 10},
		{name: "unterminated string", code: `return "abc;`, kind: KindUnterminatedString, pos: 7},
		{name: "unterminated template", code: "return `abc;", kind: KindUnterminatedString, pos: 7},
		{name: "unterminated comment", code: "return 1; /* ", kind: KindUnterminatedComment, pos: 10},
		{name: "positions count runes", code: "'é' + )", kind: KindUnexpectedClose, pos: 6},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tc.code)
			if tc.kind == "" {
				require.NoError(t, err)
				return
			}
			var syn *SyntaxError
			require.True(t, errors.As(err, &syn), "expected *SyntaxError, got %v", err)
			require.Equal(t, tc.kind, syn.Kind)
			require.Equal(t, tc.pos, syn.Position)
			require.NotEmpty(t, syn.Error())
		})
	}
}

func TestSyntaxErrorMessages(t *testing.T) {
	t.Parallel()

	require.Equal(t, `unmatched "(" at position 4`, Validate("foo((").Error())
	require.Equal(t, `unexpected closing ")" at position 0`, Validate(")").Error())
	require.Contains(t, Validate(`'a${b}'`).Error(), "single-quoted")
	require.Contains(t, Validate("foo(]").Error(), `expected ")"`)
}
