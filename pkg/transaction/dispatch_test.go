package transaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txtheory/pkg/core"
	"github.com/theory-cloud/txtheory/pkg/fields"
	"github.com/theory-cloud/txtheory/pkg/mocks"
	"github.com/theory-cloud/txtheory/pkg/model"
	"github.com/theory-cloud/txtheory/pkg/schema"
)

// Read dispatch against a scripted store: single-row reads default to strong
// consistency, and InconsistentRead flips the flag.
func TestGetConsistencyDispatch(t *testing.T) {
	desc := &model.Descriptor{
		Name:      "Row",
		KeyFields: []*fields.Spec{{Name: "id", Schema: schema.Str()}},
		Fields:    []*fields.Spec{{Name: "v", Schema: schema.Str(), Optional: true}},
	}
	registry := model.NewRegistry()
	require.NoError(t, registry.Register(desc))

	t.Run("DefaultIsStrong", func(t *testing.T) {
		store := new(mocks.MockStore)
		store.On("Get", mock.Anything, mock.MatchedBy(func(in *core.GetInput) bool {
			return in.ConsistentRead && in.Table == "Row"
		})).Return(nil, nil)

		runner := NewRunner(store, registry, nil, nil)
		require.NoError(t, runner.Run(context.Background(), fastOptions(), func(tx *Tx) error {
			item, err := tx.Get(desc, map[string]any{"id": "a"}, nil)
			require.NoError(t, err)
			assert.Nil(t, item)
			return nil
		}))
		store.AssertExpectations(t)
	})

	t.Run("InconsistentReadPropagates", func(t *testing.T) {
		store := new(mocks.MockStore)
		store.On("Get", mock.Anything, mock.MatchedBy(func(in *core.GetInput) bool {
			return !in.ConsistentRead
		})).Return(nil, nil)

		runner := NewRunner(store, registry, nil, nil)
		require.NoError(t, runner.Run(context.Background(), fastOptions(), func(tx *Tx) error {
			_, err := tx.Get(desc, map[string]any{"id": "a"}, &GetOptions{InconsistentRead: true})
			return err
		}))
		store.AssertExpectations(t)
	})
}
