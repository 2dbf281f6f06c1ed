package rules

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasttemplate"
)

const (
	tokenStart = "{{"
	tokenEnd   = "}}"
)

// Resolve substitutes every {{path}} placeholder in template with the string form
// of the value found in scope. Unresolved placeholders become the empty string.
// A template with an unterminated placeholder is returned unchanged.
func Resolve(template string, scope Scope) string {
	out, err := fasttemplate.ExecuteFuncStringWithErr(template, tokenStart, tokenEnd, func(w io.Writer, tag string) (int, error) {
		v, ok := scope.Lookup(tag)
		if !ok {
			return 0, nil
		}
		return io.WriteString(w, Stringify(v))
	})
	if err != nil {
		return template
	}
	return out
}

// Tokens lists the placeholder paths used in template, in order of appearance.
func Tokens(template string) []string {
	var tags []string
	_, err := fasttemplate.ExecuteFuncStringWithErr(template, tokenStart, tokenEnd, func(w io.Writer, tag string) (int, error) {
		tags = append(tags, strings.TrimSpace(tag))
		return 0, nil
	})
	if err != nil {
		return nil
	}
	return tags
}

// HasTokens reports whether s contains a placeholder opening.
func HasTokens(s string) bool {
	return strings.Contains(s, tokenStart)
}

// Stringify renders a context or contact value for substitution into text.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case time.Time:
		return val.Format(time.RFC3339)
	case []interface{}:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(val, ", ")
	case map[string]interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return fmt.Sprint(v)
}
