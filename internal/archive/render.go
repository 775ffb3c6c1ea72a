package archive

import (
	"encoding/base64"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// jsonValue rewrites a decoded DAG-CBOR value into something the standard
// JSON encoder can handle. Link tags become CID strings, byte strings become
// base64, and containers are rewritten recursively.
func jsonValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = jsonValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = jsonValue(val)
		}
		return out
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case cbor.Tag:
		if s, ok := linkString(x); ok {
			return s
		}
		return jsonValue(x.Content)
	default:
		return x
	}
}

// linkString extracts the CID from a DAG-CBOR link tag: tag 42 wrapping a
// byte string with a leading identity-multibase zero byte.
func linkString(tag cbor.Tag) (string, bool) {
	if tag.Number != 42 {
		return "", false
	}
	buf, ok := tag.Content.([]byte)
	if !ok || len(buf) < 2 || buf[0] != 0 {
		return "", false
	}
	c, err := cid.Cast(buf[1:])
	if err != nil {
		return "", false
	}
	return c.String(), true
}

// stringField reads a string-valued key from a decoded document, tolerating
// absence and wrong types.
func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

// mapField reads a nested map, returning nil when absent or mistyped.
func mapField(doc map[string]any, key string) map[string]any {
	m, _ := doc[key].(map[string]any)
	return m
}
