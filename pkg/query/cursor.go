package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/txtheory/pkg/core"
	pkgTypes "github.com/theory-cloud/txtheory/pkg/types"
)

// cursor is the wire shape of a pagination token: the exclusive start key in
// JSON-friendly form, base64-URL encoded so tokens stay opaque and portable
// across iterator instances.
type cursor struct {
	LastEvaluatedKey map[string]any `json:"lastKey"`
}

// EncodeCursor encodes a last-evaluated key into a pagination token. An
// empty key encodes to "".
func EncodeCursor(lastKey core.Item) (string, error) {
	if len(lastKey) == 0 {
		return "", nil
	}
	conv := pkgTypes.NewConverter()
	jsonKey, err := conv.FromItem(lastKey)
	if err != nil {
		return "", fmt.Errorf("failed to convert start key: %w", err)
	}
	data, err := json.Marshal(cursor{LastEvaluatedKey: jsonKey})
	if err != nil {
		return "", fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeCursor decodes a pagination token back into an exclusive start key.
// "" decodes to nil.
func DecodeCursor(token string) (core.Item, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cursor: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cursor: %w", err)
	}
	conv := pkgTypes.NewConverter()
	key, err := conv.ToItem(c.LastEvaluatedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild start key: %w", err)
	}
	return key, nil
}

func stringAV(value string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: value}
}
