package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/whisper2/server/internal/protocol"
)

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt64(v interface{}) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return i, true
}

func constInt(want int) checkFunc {
	return func(v interface{}) string {
		i, ok := asInt64(v)
		if !ok {
			return "must be an integer"
		}
		if i != int64(want) {
			return fmt.Sprintf("must be %d", want)
		}
		return ""
	}
}

func integer() checkFunc {
	return func(v interface{}) string {
		if _, ok := asInt64(v); !ok {
			return "must be an integer"
		}
		return ""
	}
}

func positiveInt() checkFunc {
	return func(v interface{}) string {
		i, ok := asInt64(v)
		if !ok {
			return "must be an integer"
		}
		if i <= 0 {
			return "must be positive"
		}
		return ""
	}
}

func nonNegativeInt() checkFunc {
	return func(v interface{}) string {
		i, ok := asInt64(v)
		if !ok {
			return "must be an integer"
		}
		if i < 0 {
			return "must not be negative"
		}
		return ""
	}
}

func boolean() checkFunc {
	return func(v interface{}) string {
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
		return ""
	}
}

func uuidString() checkFunc {
	return func(v interface{}) string {
		s, ok := asString(v)
		if !ok {
			return "must be a string"
		}
		if _, err := uuid.Parse(s); err != nil {
			return "must be a UUID"
		}
		return ""
	}
}

func whisperID() checkFunc {
	return func(v interface{}) string {
		s, ok := asString(v)
		if !ok {
			return "must be a string"
		}
		if !protocol.ValidWhisperID(s) {
			return "must match WSP-XXXX-XXXX-XXXX"
		}
		return ""
	}
}

func oneOf(values ...string) checkFunc {
	return func(v interface{}) string {
		s, ok := asString(v)
		if !ok {
			return "must be a string"
		}
		for _, want := range values {
			if s == want {
				return ""
			}
		}
		return "must be one of " + strings.Join(values, "|")
	}
}

func stringMax(max int) checkFunc {
	return func(v interface{}) string {
		s, ok := asString(v)
		if !ok {
			return "must be a string"
		}
		if len(s) > max {
			return fmt.Sprintf("must be at most %d bytes", max)
		}
		return ""
	}
}

func nonEmptyMax(max int) checkFunc {
	return func(v interface{}) string {
		s, ok := asString(v)
		if !ok {
			return "must be a string"
		}
		if s == "" {
			return "must not be empty"
		}
		if len(s) > max {
			return fmt.Sprintf("must be at most %d bytes", max)
		}
		return ""
	}
}

// tokenString validates the opaque 32-64 char session token shape.
func tokenString() checkFunc {
	return func(v interface{}) string {
		s, ok := asString(v)
		if !ok {
			return "must be a string"
		}
		if len(s) < 32 || len(s) > 64 {
			return "must be 32-64 characters"
		}
		return ""
	}
}

func base64Any() checkFunc {
	return func(v interface{}) string {
		s, ok := asString(v)
		if !ok {
			return "must be a string"
		}
		if _, err := protocol.DecodeStrictBase64(s); err != nil {
			return "must be strict base64"
		}
		return ""
	}
}

func base64NonEmpty() checkFunc {
	return func(v interface{}) string {
		s, ok := asString(v)
		if !ok {
			return "must be a string"
		}
		raw, err := protocol.DecodeStrictBase64(s)
		if err != nil {
			return "must be strict base64"
		}
		if len(raw) == 0 {
			return "must not be empty"
		}
		return ""
	}
}

func base64Exact(decodedLen int) checkFunc {
	return func(v interface{}) string {
		s, ok := asString(v)
		if !ok {
			return "must be a string"
		}
		raw, err := protocol.DecodeStrictBase64(s)
		if err != nil {
			return "must be strict base64"
		}
		if len(raw) != decodedLen {
			return fmt.Sprintf("must decode to %d bytes", decodedLen)
		}
		return ""
	}
}

func base64MaxDecoded(maxLen int) checkFunc {
	return func(v interface{}) string {
		s, ok := asString(v)
		if !ok {
			return "must be a string"
		}
		raw, err := protocol.DecodeStrictBase64(s)
		if err != nil {
			return "must be strict base64"
		}
		if len(raw) == 0 {
			return "must not be empty"
		}
		if len(raw) > maxLen {
			return fmt.Sprintf("must decode to at most %d bytes", maxLen)
		}
		return ""
	}
}

// object validates a nested JSON object against its own closed field set.
func object(fields map[string]fieldSpec) checkFunc {
	return func(v interface{}) string {
		obj, ok := v.(map[string]interface{})
		if !ok {
			return "must be an object"
		}
		if violations := checkObject("", obj, fields); len(violations) > 0 {
			return strings.Join(violations, ", ")
		}
		return ""
	}
}

func merge(base, extra map[string]fieldSpec) map[string]fieldSpec {
	out := make(map[string]fieldSpec, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
