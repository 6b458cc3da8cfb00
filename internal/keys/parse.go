package keys

import (
	"encoding/json"
	"strings"
)

// Parse reads a key typed by a user. JSON literals are decoded (42,
// "42", [1, "a"]); anything else is taken as a plain string. The result is
// normalised.
func Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		v = s
	}
	return Normalize(v)
}
