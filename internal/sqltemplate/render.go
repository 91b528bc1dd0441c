// Package sqltemplate renders named parameters into templated SQL.
//
// Placeholder syntax is {name}, where name matches [A-Za-z_][A-Za-z0-9_]*.
// "{{" and "}}" produce literal braces; any other brace content is copied
// through unchanged. Values are rendered as SQL literals:
//
//	string      'text' with embedded quotes doubled
//	integers    verbatim
//	floats      shortest decimal representation
//	bool        TRUE / FALSE
//	nil         NULL
//	time.Time   quoted RFC3339
//	slices      comma-separated literals, e.g. for IN ({ids})
//
// Inside a single-quoted SQL string a placeholder is replaced by the escaped
// text of its value without surrounding quotes, so '%{term}%' works as
// expected. "--" and "/* */" comments and double-quoted identifiers are
// copied through without substitution. Rendering is plain string
// substitution; it is not a substitute for bound query parameters.
package sqltemplate

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"querydesk/internal/domain"
)

var _ domain.SQLRenderer = (*Renderer)(nil)

// Renderer implements domain.SQLRenderer. The zero value is ready to use.
type Renderer struct{}

// New returns a Renderer.
func New() *Renderer { return &Renderer{} }

// Render substitutes every placeholder in tmpl with the SQL literal of the
// matching parameter. A placeholder without a value yields
// *domain.MissingParameterError.
func (r *Renderer) Render(tmpl string, params map[string]interface{}) (string, error) {
	var out strings.Builder
	out.Grow(len(tmpl))

	err := scan(tmpl, func(tok token) error {
		switch tok.kind {
		case tokText:
			out.WriteString(tok.text)
		case tokPlaceholder:
			v, ok := params[tok.text]
			if !ok {
				return &domain.MissingParameterError{Name: tok.text}
			}
			lit, err := literal(tok.text, v, tok.inString)
			if err != nil {
				return err
			}
			out.WriteString(lit)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// Placeholders returns the distinct placeholder names in order of first use.
func Placeholders(tmpl string) []string {
	seen := make(map[string]bool)
	var names []string
	_ = scan(tmpl, func(tok token) error {
		if tok.kind == tokPlaceholder && !seen[tok.text] {
			seen[tok.text] = true
			names = append(names, tok.text)
		}
		return nil
	})
	return names
}

type tokenKind int

const (
	tokText tokenKind = iota
	tokPlaceholder
)

type token struct {
	kind     tokenKind
	text     string
	inString bool
}

type lexState int

const (
	stateCode lexState = iota
	stateString
	stateIdent
	stateLineComment
	stateBlockComment
)

// scan splits tmpl into literal text and placeholder tokens. Placeholders
// are recognised in code and inside single-quoted strings; comments and
// double-quoted identifiers are copied through untouched.
func scan(tmpl string, emit func(token) error) error {
	state := stateCode
	start := 0
	flush := func(end int) error {
		if end > start {
			if err := emit(token{kind: tokText, text: tmpl[start:end]}); err != nil {
				return err
			}
		}
		return nil
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch state {
		case stateLineComment:
			if c == '\n' {
				state = stateCode
			}
			continue
		case stateBlockComment:
			if c == '*' && i+1 < len(tmpl) && tmpl[i+1] == '/' {
				state = stateCode
				i++
			}
			continue
		case stateIdent:
			if c == '"' {
				state = stateCode
			}
			continue
		case stateString:
			if c == '\'' {
				state = stateCode
				continue
			}
		case stateCode:
			switch {
			case c == '\'':
				state = stateString
				continue
			case c == '"':
				state = stateIdent
				continue
			case c == '-' && i+1 < len(tmpl) && tmpl[i+1] == '-':
				state = stateLineComment
				i++
				continue
			case c == '/' && i+1 < len(tmpl) && tmpl[i+1] == '*':
				state = stateBlockComment
				i++
				continue
			}
		}

		if c != '{' && c != '}' {
			continue
		}
		if i+1 < len(tmpl) && tmpl[i+1] == c {
			if err := flush(i); err != nil {
				return err
			}
			if err := emit(token{kind: tokText, text: string(c)}); err != nil {
				return err
			}
			i++
			start = i + 1
			continue
		}
		if c == '}' {
			continue
		}
		end := strings.IndexByte(tmpl[i+1:], '}')
		if end < 0 {
			continue
		}
		name := tmpl[i+1 : i+1+end]
		if !isIdentifier(name) {
			continue
		}
		if err := flush(i); err != nil {
			return err
		}
		if err := emit(token{kind: tokPlaceholder, text: name, inString: state == stateString}); err != nil {
			return err
		}
		i += end + 1
		start = i + 1
	}
	return flush(len(tmpl))
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// literal renders v as SQL. When inString is set the value is embedded in an
// enclosing string literal and only its escaped text is produced.
func literal(name string, v interface{}, inString bool) (string, error) {
	if inString {
		text, err := plainText(name, v)
		if err != nil {
			return "", err
		}
		return escape(text), nil
	}

	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return quote(x), nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case time.Time:
		return quote(x.Format(time.RFC3339Nano)), nil
	case json.Number:
		if _, err := strconv.ParseFloat(x.String(), 64); err != nil {
			return "", domain.ErrValidation("parameter %q: invalid number %q", name, x.String())
		}
		return x.String(), nil
	case float32:
		return formatFloat(name, float64(x))
	case float64:
		return formatFloat(name, x)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if rv.Len() == 0 {
			return "", domain.ErrValidation("parameter %q: empty list", name)
		}
		parts := make([]string, rv.Len())
		for i := range rv.Len() {
			elem := rv.Index(i).Interface()
			if ek := reflect.ValueOf(elem).Kind(); ek == reflect.Slice || ek == reflect.Map {
				return "", domain.ErrValidation("parameter %q: nested values are not supported", name)
			}
			lit, err := literal(name, elem, false)
			if err != nil {
				return "", err
			}
			parts[i] = lit
		}
		return strings.Join(parts, ", "), nil
	}

	return "", domain.ErrValidation("parameter %q: unsupported value type %T", name, v)
}

func plainText(name string, v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case bool, json.Number, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), nil
	case float32:
		return formatFloat(name, float64(x))
	case float64:
		return formatFloat(name, x)
	}
	return "", domain.ErrValidation("parameter %q: %T cannot be embedded in a string literal", name, v)
}

func formatFloat(name string, f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", domain.ErrValidation("parameter %q: non-finite number", name)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func quote(s string) string {
	return "'" + escape(s) + "'"
}
