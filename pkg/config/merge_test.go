package config

import "testing"

func TestMergeManyLaterLayerWins(t *testing.T) {
	base := map[string]any{"a": 1, "nested": map[string]any{"x": 1, "y": 2}}
	override := map[string]any{"a": 2, "nested": map[string]any{"y": 99}}
	merged, rep := MergeMany([]map[string]any{base, override}, MergeOptions{})
	if rep.HasWarnings() {
		t.Fatalf("unexpected warnings: %+v", rep.Warnings)
	}
	if merged["a"] != 2 {
		t.Fatalf("expected later layer's scalar to win, got %v", merged["a"])
	}
	nested := merged["nested"].(map[string]any)
	if nested["x"] != 1 {
		t.Fatalf("expected base nested field to survive untouched, got %v", nested["x"])
	}
	if nested["y"] != 99 {
		t.Fatalf("expected nested override to win, got %v", nested["y"])
	}
}

func TestMergeArrayReplacesByDefault(t *testing.T) {
	dst := map[string]any{"xs": []any{1, 2, 3}}
	src := map[string]any{"xs": []any{9}}
	merged, _ := Merge(dst, src, MergeOptions{})
	xs := merged["xs"].([]any)
	if len(xs) != 1 || xs[0] != 9 {
		t.Fatalf("expected array to be replaced wholesale, got %+v", xs)
	}
}

func TestMergeDepthLimitReplacesSubtree(t *testing.T) {
	// dst and src both define "a" as a map so the merge actually recurses
	// into mergeValue instead of taking the key-didn't-exist fast path.
	dst := map[string]any{"a": map[string]any{"b": map[string]any{"c": 0}}}
	src := map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}}
	merged, rep := Merge(dst, src, MergeOptions{MaxDepth: 1})
	if rep.DepthHit == 0 {
		t.Fatalf("expected the depth cap to trigger")
	}
	if _, ok := merged["a"]; !ok {
		t.Fatalf("expected top-level key to survive even when its subtree is replaced")
	}
}
