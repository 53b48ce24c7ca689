// Package store implements the document-store contract against DynamoDB
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/theory-cloud/txtheory/pkg/core"
	txerrors "github.com/theory-cloud/txtheory/pkg/errors"
)

// DynamoDB implements core.Store over the AWS SDK v2 client.
type DynamoDB struct {
	client *dynamodb.Client
}

// New creates a DynamoDB-backed store.
func New(client *dynamodb.Client) *DynamoDB {
	return &DynamoDB{client: client}
}

// Get implements core.Store
func (s *DynamoDB) Get(ctx context.Context, in *core.GetInput) (core.Item, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(in.Table),
		Key:            in.Key,
		ConsistentRead: aws.Bool(in.ConsistentRead),
	})
	if err != nil {
		return nil, translate(err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

// Put implements core.Store
func (s *DynamoDB) Put(ctx context.Context, in *core.PutInput) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(in.Table),
		Item:                      in.Item,
		ConditionExpression:       optional(in.Expr.Condition),
		ExpressionAttributeNames:  in.Expr.Names,
		ExpressionAttributeValues: in.Expr.Values,
	})
	return translate(err)
}

// Update implements core.Store
func (s *DynamoDB) Update(ctx context.Context, in *core.UpdateInput) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(in.Table),
		Key:                       in.Key,
		UpdateExpression:          optional(in.Expr.Update),
		ConditionExpression:       optional(in.Expr.Condition),
		ExpressionAttributeNames:  in.Expr.Names,
		ExpressionAttributeValues: in.Expr.Values,
	})
	return translate(err)
}

// Delete implements core.Store
func (s *DynamoDB) Delete(ctx context.Context, in *core.DeleteInput) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(in.Table),
		Key:                       in.Key,
		ConditionExpression:       optional(in.Expr.Condition),
		ExpressionAttributeNames:  in.Expr.Names,
		ExpressionAttributeValues: in.Expr.Values,
	})
	return translate(err)
}

// BatchGet implements core.Store
func (s *DynamoDB) BatchGet(ctx context.Context, req core.BatchGetRequest) (*core.BatchGetOutput, error) {
	request := make(map[string]types.KeysAndAttributes, len(req))
	for table, keys := range req {
		request[table] = types.KeysAndAttributes{Keys: keys}
	}
	out, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
	if err != nil {
		return nil, translate(err)
	}
	result := &core.BatchGetOutput{Items: make(map[string][]core.Item, len(out.Responses))}
	for table, rows := range out.Responses {
		items := make([]core.Item, len(rows))
		for i, row := range rows {
			items[i] = row
		}
		result.Items[table] = items
	}
	if len(out.UnprocessedKeys) > 0 {
		result.Unprocessed = make(core.BatchGetRequest, len(out.UnprocessedKeys))
		for table, keys := range out.UnprocessedKeys {
			result.Unprocessed[table] = keys.Keys
		}
	}
	return result, nil
}

// TransactGet implements core.Store
func (s *DynamoDB) TransactGet(ctx context.Context, items []core.TransactGetItem) ([]core.Item, error) {
	gets := make([]types.TransactGetItem, len(items))
	for i, item := range items {
		gets[i] = types.TransactGetItem{Get: &types.Get{
			TableName: aws.String(item.Table),
			Key:       item.Key,
		}}
	}
	out, err := s.client.TransactGetItems(ctx, &dynamodb.TransactGetItemsInput{TransactItems: gets})
	if err != nil {
		return nil, translate(err)
	}
	rows := make([]core.Item, len(out.Responses))
	for i, resp := range out.Responses {
		if len(resp.Item) > 0 {
			rows[i] = resp.Item
		}
	}
	return rows, nil
}

// TransactWrite implements core.Store
func (s *DynamoDB) TransactWrite(ctx context.Context, in *core.TransactWriteInput) error {
	writes := make([]types.TransactWriteItem, len(in.Items))
	for i, req := range in.Items {
		switch req.Kind {
		case core.WritePut:
			writes[i] = types.TransactWriteItem{Put: &types.Put{
				TableName:                 aws.String(req.Table),
				Item:                      req.Item,
				ConditionExpression:       optional(req.Expr.Condition),
				ExpressionAttributeNames:  req.Expr.Names,
				ExpressionAttributeValues: req.Expr.Values,
			}}
		case core.WriteUpdate:
			writes[i] = types.TransactWriteItem{Update: &types.Update{
				TableName:                 aws.String(req.Table),
				Key:                       req.Key,
				UpdateExpression:          aws.String(req.Expr.Update),
				ConditionExpression:       optional(req.Expr.Condition),
				ExpressionAttributeNames:  req.Expr.Names,
				ExpressionAttributeValues: req.Expr.Values,
			}}
		case core.WriteDelete:
			writes[i] = types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 aws.String(req.Table),
				Key:                       req.Key,
				ConditionExpression:       optional(req.Expr.Condition),
				ExpressionAttributeNames:  req.Expr.Names,
				ExpressionAttributeValues: req.Expr.Values,
			}}
		case core.WriteConditionCheck:
			writes[i] = types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
				TableName:                 aws.String(req.Table),
				Key:                       req.Key,
				ConditionExpression:       aws.String(req.Expr.Condition),
				ExpressionAttributeNames:  req.Expr.Names,
				ExpressionAttributeValues: req.Expr.Values,
			}}
		default:
			return fmt.Errorf("%w: unknown write kind %d", txerrors.ErrInvalidParameter, req.Kind)
		}
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:      writes,
		ClientRequestToken: optional(in.ClientRequestToken),
	})
	return translate(err)
}

// Query implements core.Store
func (s *DynamoDB) Query(ctx context.Context, in *core.QueryInput) (*core.QueryOutput, error) {
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(in.Table),
		IndexName:                 optional(in.Index),
		KeyConditionExpression:    aws.String(in.KeyCondition),
		FilterExpression:          optional(in.Filter),
		ExpressionAttributeNames:  in.Names,
		ExpressionAttributeValues: in.Values,
		ScanIndexForward:          aws.Bool(in.ScanForward),
		ConsistentRead:            aws.Bool(in.ConsistentRead),
		ExclusiveStartKey:         in.ExclusiveStartKey,
	}
	if in.Limit > 0 {
		input.Limit = aws.Int32(in.Limit)
	}
	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, translate(err)
	}
	items := make([]core.Item, len(out.Items))
	for i, row := range out.Items {
		items[i] = row
	}
	return &core.QueryOutput{Items: items, LastEvaluatedKey: out.LastEvaluatedKey}, nil
}

// Scan implements core.Store
func (s *DynamoDB) Scan(ctx context.Context, in *core.ScanInput) (*core.ScanOutput, error) {
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(in.Table),
		IndexName:                 optional(in.Index),
		FilterExpression:          optional(in.Filter),
		ExpressionAttributeNames:  in.Names,
		ExpressionAttributeValues: in.Values,
		ConsistentRead:            aws.Bool(in.ConsistentRead),
		ExclusiveStartKey:         in.ExclusiveStartKey,
		Segment:                   in.Segment,
		TotalSegments:             in.TotalSegments,
	}
	if in.Limit > 0 {
		input.Limit = aws.Int32(in.Limit)
	}
	out, err := s.client.Scan(ctx, input)
	if err != nil {
		return nil, translate(err)
	}
	items := make([]core.Item, len(out.Items))
	for i, row := range out.Items {
		items[i] = row
	}
	return &core.ScanOutput{Items: items, LastEvaluatedKey: out.LastEvaluatedKey}, nil
}

// DescribeTable implements core.Store
func (s *DynamoDB) DescribeTable(ctx context.Context, name string) (*core.TableDescription, error) {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err != nil {
		return nil, translate(err)
	}
	desc := &core.TableDescription{
		Name:   aws.ToString(out.Table.TableName),
		Status: string(out.Table.TableStatus),
	}
	if out.Table.ItemCount != nil {
		desc.ItemCount = *out.Table.ItemCount
	}
	for _, elem := range out.Table.KeySchema {
		switch elem.KeyType {
		case types.KeyTypeHash:
			desc.PartitionAttr = aws.ToString(elem.AttributeName)
		case types.KeyTypeRange:
			desc.SortAttr = aws.ToString(elem.AttributeName)
		}
	}
	for _, gsi := range out.Table.GlobalSecondaryIndexes {
		desc.IndexNames = append(desc.IndexNames, aws.ToString(gsi.IndexName))
	}
	return desc, nil
}

// CreateTable implements core.Store
func (s *DynamoDB) CreateTable(ctx context.Context, spec *core.TableSpec) error {
	attrs := make([]types.AttributeDefinition, 0, len(spec.Attributes))
	for _, a := range spec.Attributes {
		attrs = append(attrs, types.AttributeDefinition{
			AttributeName: aws.String(a.Name),
			AttributeType: types.ScalarAttributeType(a.Type),
		})
	}
	keySchema := []types.KeySchemaElement{
		{AttributeName: aws.String(spec.PartitionAttr), KeyType: types.KeyTypeHash},
	}
	if spec.SortAttr != "" {
		keySchema = append(keySchema, types.KeySchemaElement{
			AttributeName: aws.String(spec.SortAttr), KeyType: types.KeyTypeRange,
		})
	}

	input := &dynamodb.CreateTableInput{
		TableName:            aws.String(spec.Name),
		AttributeDefinitions: attrs,
		KeySchema:            keySchema,
		BillingMode:          types.BillingModePayPerRequest,
	}
	if spec.ReadUnits > 0 || spec.WriteUnits > 0 {
		input.BillingMode = types.BillingModeProvisioned
		input.ProvisionedThroughput = &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(spec.ReadUnits),
			WriteCapacityUnits: aws.Int64(spec.WriteUnits),
		}
	}
	for _, idx := range spec.Indexes {
		gsiKey := []types.KeySchemaElement{
			{AttributeName: aws.String(idx.PartitionAttr), KeyType: types.KeyTypeHash},
		}
		if idx.SortAttr != "" {
			gsiKey = append(gsiKey, types.KeySchemaElement{
				AttributeName: aws.String(idx.SortAttr), KeyType: types.KeyTypeRange,
			})
		}
		projection := &types.Projection{ProjectionType: types.ProjectionType(idx.ProjectionType)}
		if idx.ProjectionType == "INCLUDE" {
			projection.NonKeyAttributes = idx.ProjectedFields
		}
		gsi := types.GlobalSecondaryIndex{
			IndexName:  aws.String(idx.Name),
			KeySchema:  gsiKey,
			Projection: projection,
		}
		if input.BillingMode == types.BillingModeProvisioned {
			gsi.ProvisionedThroughput = input.ProvisionedThroughput
		}
		input.GlobalSecondaryIndexes = append(input.GlobalSecondaryIndexes, gsi)
	}
	if _, err := s.client.CreateTable(ctx, input); err != nil {
		return translate(err)
	}

	if spec.TTLAttr != "" {
		_, err := s.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
			TableName: aws.String(spec.Name),
			TimeToLiveSpecification: &types.TimeToLiveSpecification{
				AttributeName: aws.String(spec.TTLAttr),
				Enabled:       aws.Bool(true),
			},
		})
		if err != nil {
			return translate(err)
		}
	}
	return nil
}

// UpdateTable implements core.Store
func (s *DynamoDB) UpdateTable(ctx context.Context, update *core.TableUpdate) error {
	_, err := s.client.UpdateTable(ctx, &dynamodb.UpdateTableInput{
		TableName: aws.String(update.Name),
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(update.ReadUnits),
			WriteCapacityUnits: aws.Int64(update.WriteUnits),
		},
	})
	return translate(err)
}

// translate maps SDK errors onto the store error taxonomy the commit
// pipeline classifies.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return &txerrors.StoreError{Code: txerrors.CodeConditionalCheckFailed, Err: err}
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		reasons := make([]txerrors.CancellationReason, len(canceled.CancellationReasons))
		for i, reason := range canceled.CancellationReasons {
			reasons[i] = txerrors.CancellationReason{
				Code:    aws.ToString(reason.Code),
				Message: aws.ToString(reason.Message),
			}
		}
		return &txerrors.TransactionCanceledError{Err: err, Reasons: reasons}
	}
	var api smithy.APIError
	if errors.As(err, &api) {
		return &txerrors.StoreError{
			Code:      api.ErrorCode(),
			Retryable: retryableCode(api),
			Err:       err,
		}
	}
	return err
}

func retryableCode(api smithy.APIError) bool {
	switch api.ErrorCode() {
	case txerrors.CodeProvisionedExceeded, txerrors.CodeThrottling,
		"RequestLimitExceeded", "InternalServerError", "TransactionConflictException":
		return true
	}
	return api.ErrorFault() == smithy.FaultServer
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
