package types

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txtheory/pkg/errors"
)

func TestToAttributeValue(t *testing.T) {
	conv := NewConverter()

	t.Run("Scalars", func(t *testing.T) {
		av, err := conv.ToAttributeValue("hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", av.(*types.AttributeValueMemberS).Value)

		av, err = conv.ToAttributeValue(float64(3))
		require.NoError(t, err)
		assert.Equal(t, "3", av.(*types.AttributeValueMemberN).Value)

		av, err = conv.ToAttributeValue(3.5)
		require.NoError(t, err)
		assert.Equal(t, "3.5", av.(*types.AttributeValueMemberN).Value)

		av, err = conv.ToAttributeValue(true)
		require.NoError(t, err)
		assert.True(t, av.(*types.AttributeValueMemberBOOL).Value)

		av, err = conv.ToAttributeValue(nil)
		require.NoError(t, err)
		assert.True(t, av.(*types.AttributeValueMemberNULL).Value)
	})

	t.Run("Containers", func(t *testing.T) {
		av, err := conv.ToAttributeValue([]any{"a", float64(1)})
		require.NoError(t, err)
		list := av.(*types.AttributeValueMemberL).Value
		require.Len(t, list, 2)

		av, err = conv.ToAttributeValue(map[string]any{"k": "v"})
		require.NoError(t, err)
		m := av.(*types.AttributeValueMemberM).Value
		assert.Equal(t, "v", m["k"].(*types.AttributeValueMemberS).Value)
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := conv.ToAttributeValue(struct{}{})
		assert.ErrorIs(t, err, errors.ErrUnsupportedValue)
	})
}

func TestRoundTrip(t *testing.T) {
	conv := NewConverter()
	original := map[string]any{
		"name":  "ada",
		"age":   float64(36),
		"tags":  []any{"x", "y"},
		"meta":  map[string]any{"active": true},
		"blank": nil,
	}
	item, err := conv.ToItem(original)
	require.NoError(t, err)
	back, err := conv.FromItem(item)
	require.NoError(t, err)
	assert.Equal(t, original, back)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, float64(5), Normalize(5))
	assert.Equal(t, float64(5), Normalize(int64(5)))
	assert.Equal(t, float64(2.5), Normalize(float32(2.5)))
	assert.Equal(t, []any{float64(1), "x"}, Normalize([]any{1, "x"}))
	assert.Equal(t, map[string]any{"n": float64(1)}, Normalize(map[string]any{"n": 1}))
	assert.Equal(t, "s", Normalize("s"))
}
