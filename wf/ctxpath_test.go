package wf

import (
	"encoding/json"
	"testing"
)

func TestSetCtxPath(t *testing.T) {
	t.Run("creates intermediate objects", func(t *testing.T) {
		out, err := SetCtxPath(json.RawMessage(`{}`), "a.b.c", json.RawMessage(`1`))
		if err != nil {
			t.Fatalf("SetCtxPath: %v", err)
		}
		if got := GetCtxPath(out, "a.b.c").Int(); got != 1 {
			t.Errorf("expected 1, got %d (ctx=%s)", got, out)
		}
	})

	t.Run("empty ctx treated as empty object", func(t *testing.T) {
		out, err := SetCtxPath(nil, "k", json.RawMessage(`"v"`))
		if err != nil {
			t.Fatalf("SetCtxPath: %v", err)
		}
		if got := GetCtxPath(out, "k").String(); got != "v" {
			t.Errorf("expected v, got %q", got)
		}
	})

	t.Run("numeric segments are object keys not indexes", func(t *testing.T) {
		out, err := SetCtxPath(json.RawMessage(`{}`), "items.5.name", json.RawMessage(`"x"`))
		if err != nil {
			t.Fatalf("SetCtxPath: %v", err)
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(out, &decoded); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		items, ok := decoded["items"].(map[string]interface{})
		if !ok {
			t.Fatalf("items is %T, expected object (ctx=%s)", decoded["items"], out)
		}
		if _, ok := items["5"]; !ok {
			t.Errorf("expected string key \"5\", ctx=%s", out)
		}
	})

	t.Run("overwrites existing values", func(t *testing.T) {
		ctx := json.RawMessage(`{"i":1}`)
		out, err := SetCtxPath(ctx, "i", json.RawMessage(`2`))
		if err != nil {
			t.Fatalf("SetCtxPath: %v", err)
		}
		if got := GetCtxPath(out, "i").Int(); got != 2 {
			t.Errorf("expected 2, got %d", got)
		}
	})

	t.Run("reserved subtree round-trips", func(t *testing.T) {
		out, err := SetCtxPath(json.RawMessage(`{}`), "$wf", json.RawMessage(`{"cursor":0,"sigCount":{}}`))
		if err != nil {
			t.Fatalf("SetCtxPath: %v", err)
		}
		out, err = SetCtxPath(out, "$wf.cursor", json.RawMessage(`3`))
		if err != nil {
			t.Fatalf("SetCtxPath cursor: %v", err)
		}
		out, err = SetCtxPath(out, "$wf.sigCount.go", json.RawMessage(`1`))
		if err != nil {
			t.Fatalf("SetCtxPath sigCount: %v", err)
		}
		if got := GetCtxPath(out, "$wf.cursor").Int(); got != 3 {
			t.Errorf("cursor: expected 3, got %d (ctx=%s)", got, out)
		}
		if got := GetCtxPath(out, "$wf.sigCount.go").Int(); got != 1 {
			t.Errorf("sigCount: expected 1, got %d (ctx=%s)", got, out)
		}
	})
}
