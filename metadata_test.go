package tieredcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneMetadata(t *testing.T) {
	require.Nil(t, CloneMetadata(nil))

	src := map[string]any{
		"label": "concept",
		"tags":  []any{"a", map[string]any{"k": "v"}},
		"names": []string{"x"},
		"inner": map[string]any{"depth": 1},
	}
	dst := CloneMetadata(src)
	require.Equal(t, src, dst)

	dst["inner"].(map[string]any)["depth"] = 2
	dst["tags"].([]any)[1].(map[string]any)["k"] = "changed"
	dst["names"].([]string)[0] = "y"

	assert.Equal(t, 1, src["inner"].(map[string]any)["depth"])
	assert.Equal(t, "v", src["tags"].([]any)[1].(map[string]any)["k"])
	assert.Equal(t, "x", src["names"].([]string)[0])
}
