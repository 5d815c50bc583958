package wf

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Dot-path helpers over the workflow ctx blob.
//
// A path like "a.b.c" addresses nested JSON objects; missing intermediates
// are created. Numeric segments are always object keys, never array indexes
// (sjson's colon prefix forces key semantics on writes; gjson reads match
// object keys for numeric segments as long as no arrays exist there).

// SetCtxPath writes value at the dot-path key inside ctx, returning the new
// ctx blob. An empty ctx is treated as the empty object.
func SetCtxPath(ctx json.RawMessage, key string, value json.RawMessage) (json.RawMessage, error) {
	if len(ctx) == 0 {
		ctx = json.RawMessage("{}")
	}
	out, err := sjson.SetRawBytes(ctx, sjsonCtxPath(key), value)
	if err != nil {
		return nil, fmt.Errorf("set ctx path %q: %w", key, err)
	}
	return out, nil
}

// GetCtxPath reads the value at the dot-path key inside ctx.
func GetCtxPath(ctx json.RawMessage, key string) gjson.Result {
	return gjson.GetBytes(ctx, gjsonCtxPath(key))
}

// sjsonCtxPath converts a dot-path to an sjson path: wildcard characters are
// escaped and numeric segments are colon-prefixed so they set object keys
// instead of array indexes.
func sjsonCtxPath(key string) string {
	segs := strings.Split(key, ".")
	for i, seg := range segs {
		esc := escapeSegment(seg)
		if isAllDigits(seg) {
			esc = ":" + esc
		}
		segs[i] = esc
	}
	return strings.Join(segs, ".")
}

// gjsonCtxPath converts a dot-path to a gjson query path.
func gjsonCtxPath(key string) string {
	segs := strings.Split(key, ".")
	for i, seg := range segs {
		segs[i] = escapeSegment(seg)
	}
	return strings.Join(segs, ".")
}

func escapeSegment(seg string) string {
	if !strings.ContainsAny(seg, `*?\|#@`) {
		return seg
	}
	var b strings.Builder
	for _, r := range seg {
		switch r {
		case '*', '?', '\\', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
