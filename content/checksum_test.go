package content

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		doc  map[string]any
	}{
		{name: "nil document", doc: nil},
		{name: "empty document", doc: map[string]any{}},
		{name: "non-array values", doc: map[string]any{"pages": "nope", "styles": 3, "assets": map[string]any{}}},
		{name: "nil slices", doc: map[string]any{"pages": []any(nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.doc)
			for _, key := range []string{KeyPages, KeyStyles, KeyAssets} {
				items, ok := got[key].([]any)
				require.True(t, ok, key)
				assert.NotNil(t, items, key)
				assert.Empty(t, items, key)
			}
		})
	}
}

func TestNormalizeKeepsOtherKeysAndDoesNotMutate(t *testing.T) {
	doc := map[string]any{
		"pages":   []any{map[string]any{"id": "home"}},
		"symbols": []any{"x"},
	}
	got := Normalize(doc)

	assert.Equal(t, []any{map[string]any{"id": "home"}}, got["pages"])
	assert.Equal(t, []any{"x"}, got["symbols"])
	_, hasStyles := doc["styles"]
	assert.False(t, hasStyles, "input must not be modified")
}

func TestParseDocument(t *testing.T) {
	got := ParseDocument([]byte(`{"pages":[{"id":"a"}],"custom":true}`))
	assert.Len(t, got["pages"], 1)
	assert.Equal(t, true, got["custom"])
	assert.Equal(t, []any{}, got["styles"])

	for _, raw := range []string{``, `not json`, `[1,2]`, `"string"`} {
		got := ParseDocument([]byte(raw))
		assert.Equal(t, Normalize(nil), got, raw)
	}
}

func TestChecksumIgnoresKeyOrder(t *testing.T) {
	a := ParseDocument([]byte(`{"pages":[{"id":"p1","name":"Home","attrs":{"x":1,"y":2}}],"styles":[],"assets":[]}`))
	b := ParseDocument([]byte(`{"assets":[],"styles":[],"pages":[{"attrs":{"y":2,"x":1},"name":"Home","id":"p1"}]}`))

	assert.Equal(t, Checksum("<div></div>", a), Checksum("<div></div>", b))
}

func TestChecksumTreatsMissingCollectionsAsEmpty(t *testing.T) {
	assert.Equal(t,
		Checksum("", map[string]any{}),
		Checksum("", map[string]any{"pages": []any{}, "styles": []any{}, "assets": []any{}}),
	)
	assert.Equal(t, Checksum("x", nil), Checksum("x", map[string]any{}))
}

func TestChecksumDistinguishesContent(t *testing.T) {
	seen := make(map[string]string)
	for i := 0; i < 200; i++ {
		html := fmt.Sprintf("<p>%d</p>", i%20)
		doc := map[string]any{"pages": []any{map[string]any{"id": fmt.Sprintf("p%d", i/20)}}}
		key := fmt.Sprintf("%s|%d", html, i/20)
		sum := Checksum(html, doc)
		if prev, ok := seen[sum]; ok {
			assert.Equal(t, prev, key, "checksum collision")
		}
		seen[sum] = key
	}
	assert.Len(t, seen, 200)

	assert.NotEqual(t, Checksum("a", nil), Checksum("b", nil))
	assert.Len(t, Checksum("a", nil), 64)
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, IsEmpty("", nil))
	assert.True(t, IsEmpty("  \n", map[string]any{"pages": []any{}}))
	assert.False(t, IsEmpty("<p/>", nil))
	assert.False(t, IsEmpty("", map[string]any{"assets": []any{"img.png"}}))
}
