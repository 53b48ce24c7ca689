// Package core defines the store contract and shared types for txtheory
package core

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is the store's native row shape: attribute names to typed values.
type Item = map[string]types.AttributeValue

// Reserved attribute names the mapper materializes on every row.
const (
	// AttrPartitionKey is the encoded partition key attribute
	AttrPartitionKey = "_id"
	// AttrSortKey is the encoded sort key attribute
	AttrSortKey = "_sk"
	// AttrIndexPrefix prefixes derived secondary-index attributes
	AttrIndexPrefix = "_c_"
)

// Expression carries rendered expression strings together with their
// placeholder bindings.
type Expression struct {
	Values    Item
	Names     map[string]string
	Condition string
	Update    string
}

// GetInput identifies a single row to read.
type GetInput struct {
	Key            Item
	Table          string
	ConsistentRead bool
}

// PutInput describes a full-row write.
type PutInput struct {
	Item  Item
	Expr  Expression
	Table string
}

// UpdateInput describes a partial-row write.
type UpdateInput struct {
	Key   Item
	Expr  Expression
	Table string
}

// DeleteInput describes a row deletion.
type DeleteInput struct {
	Key   Item
	Expr  Expression
	Table string
}

// WriteKind discriminates the operations of a transactional bundle.
type WriteKind int

const (
	// WritePut is a full-row write
	WritePut WriteKind = iota
	// WriteUpdate is a partial-row write
	WriteUpdate
	// WriteDelete removes a row
	WriteDelete
	// WriteConditionCheck asserts a row's state without mutating it
	WriteConditionCheck
)

// String returns the operation name
func (k WriteKind) String() string {
	switch k {
	case WritePut:
		return "Put"
	case WriteUpdate:
		return "Update"
	case WriteDelete:
		return "Delete"
	case WriteConditionCheck:
		return "ConditionCheck"
	default:
		return "Unknown"
	}
}

// WriteRequest is one operation inside a transactional bundle. Put carries
// Item; the other kinds carry Key.
type WriteRequest struct {
	Item  Item
	Key   Item
	Expr  Expression
	Table string
	Kind  WriteKind
}

// TransactWriteInput is an atomic multi-operation write.
type TransactWriteInput struct {
	ClientRequestToken string
	Items              []WriteRequest
}

// TransactGetItem identifies one row of a strongly consistent multi-get.
type TransactGetItem struct {
	Key   Item
	Table string
}

// BatchGetRequest maps table names to the keys wanted from each.
type BatchGetRequest map[string][]Item

// BatchGetOutput carries retrieved items per table plus any keys the store
// declined to process in this round.
type BatchGetOutput struct {
	Items       map[string][]Item
	Unprocessed BatchGetRequest
}

// QueryInput describes a key-condition read against the base table or a
// secondary index.
type QueryInput struct {
	Values            Item
	Names             map[string]string
	ExclusiveStartKey Item
	Table             string
	Index             string
	KeyCondition      string
	Filter            string
	Limit             int32
	ScanForward       bool
	ConsistentRead    bool
}

// QueryOutput is one page of query results.
type QueryOutput struct {
	LastEvaluatedKey Item
	Items            []Item
}

// ScanInput describes a table or index sweep.
type ScanInput struct {
	Values            Item
	Names             map[string]string
	ExclusiveStartKey Item
	Segment           *int32
	TotalSegments     *int32
	Table             string
	Index             string
	Filter            string
	Limit             int32
	ConsistentRead    bool
}

// ScanOutput is one page of scan results.
type ScanOutput struct {
	LastEvaluatedKey Item
	Items            []Item
}

// AttributeDefinition declares a key attribute's name and store type.
type AttributeDefinition struct {
	Name string
	Type string // "S", "N", or "B"
}

// IndexSpec declares a secondary index for table creation.
type IndexSpec struct {
	Name            string
	PartitionAttr   string
	SortAttr        string
	ProjectionType  string // "ALL", "KEYS_ONLY", "INCLUDE"
	ProjectedFields []string
}

// TableSpec declares a table for creation.
type TableSpec struct {
	Name          string
	PartitionAttr string
	SortAttr      string
	TTLAttr       string
	Attributes    []AttributeDefinition
	Indexes       []IndexSpec
	ReadUnits     int64
	WriteUnits    int64
}

// TableUpdate describes a provisioning change to an existing table.
type TableUpdate struct {
	Name       string
	ReadUnits  int64
	WriteUnits int64
}

// TableDescription is the subset of table metadata the mapper consumes.
type TableDescription struct {
	Name          string
	Status        string
	PartitionAttr string
	SortAttr      string
	IndexNames    []string
	ItemCount     int64
}

// Store is the document-store contract the core consumes. Implementations
// translate their native errors into pkg/errors.StoreError and
// pkg/errors.TransactionCanceledError so the commit pipeline can classify
// them without knowing the wire protocol.
type Store interface {
	Get(ctx context.Context, in *GetInput) (Item, error)
	Put(ctx context.Context, in *PutInput) error
	Update(ctx context.Context, in *UpdateInput) error
	Delete(ctx context.Context, in *DeleteInput) error

	BatchGet(ctx context.Context, req BatchGetRequest) (*BatchGetOutput, error)
	TransactGet(ctx context.Context, items []TransactGetItem) ([]Item, error)
	TransactWrite(ctx context.Context, in *TransactWriteInput) error

	Query(ctx context.Context, in *QueryInput) (*QueryOutput, error)
	Scan(ctx context.Context, in *ScanInput) (*ScanOutput, error)

	DescribeTable(ctx context.Context, name string) (*TableDescription, error)
	CreateTable(ctx context.Context, spec *TableSpec) error
	UpdateTable(ctx context.Context, update *TableUpdate) error
}
