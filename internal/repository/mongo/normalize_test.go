package mongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestNormalizeDocument(t *testing.T) {
	in := map[string]any{
		"stage":   "decision",
		"content": bson.D{{Key: "opener", Value: "hi"}, {Key: "tags", Value: bson.A{"a", bson.M{"k": 1}}}},
	}

	out := normalizeDocument(in)
	content, ok := out["content"].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "hi", content["opener"])
	assert.Equal(t, []any{"a", map[string]any{"k": 1}}, content["tags"])
	assert.Equal(t, "decision", out["stage"])
	assert.Nil(t, normalizeDocument(nil))
}
