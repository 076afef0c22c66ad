package dynamodb

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/outbox"
)

// statusIndex is the GSI used to scan pending entries: partition key status,
// sort key created_at.
const statusIndex = "status-index"

// OutboxAPI is the slice of the DynamoDB client the outbox store uses.
type OutboxAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoOutboxStore keeps outbox entries in their own table, keyed on
// outbox_id. Timestamps are stored as epoch milliseconds so the status-index
// sort key and the next_attempt_at filter compare numerically.
type DynamoOutboxStore struct {
	client OutboxAPI
	table  string
}

// NewDynamoOutboxStore creates a store over the given table.
func NewDynamoOutboxStore(client OutboxAPI, table string) *DynamoOutboxStore {
	return &DynamoOutboxStore{client: client, table: table}
}

type dynamoOutboxItem struct {
	OutboxID      string `dynamodbav:"outbox_id"`
	EventID       string `dynamodbav:"event_id"`
	Payload       []byte `dynamodbav:"payload"`
	Status        string `dynamodbav:"status"`
	Attempts      int    `dynamodbav:"attempts"`
	LastError     string `dynamodbav:"last_error"`
	NextAttemptAt int64  `dynamodbav:"next_attempt_at"`
	CreatedAt     int64  `dynamodbav:"created_at"`
	UpdatedAt     int64  `dynamodbav:"updated_at"`
}

func toItem(entry *outbox.Entry) dynamoOutboxItem {
	return dynamoOutboxItem{
		OutboxID:      entry.OutboxID,
		EventID:       entry.EventID,
		Payload:       entry.Payload,
		Status:        string(entry.Status),
		Attempts:      entry.Attempts,
		LastError:     entry.LastError,
		NextAttemptAt: entry.NextAttemptAt.UnixMilli(),
		CreatedAt:     entry.CreatedAt.UnixMilli(),
		UpdatedAt:     entry.UpdatedAt.UnixMilli(),
	}
}

func (i dynamoOutboxItem) toEntry() outbox.Entry {
	return outbox.Entry{
		OutboxID:      i.OutboxID,
		EventID:       i.EventID,
		Payload:       i.Payload,
		Status:        outbox.Status(i.Status),
		Attempts:      i.Attempts,
		LastError:     i.LastError,
		NextAttemptAt: time.UnixMilli(i.NextAttemptAt).UTC(),
		CreatedAt:     time.UnixMilli(i.CreatedAt).UTC(),
		UpdatedAt:     time.UnixMilli(i.UpdatedAt).UTC(),
	}
}

func (d *DynamoOutboxStore) Append(ctx context.Context, entry *outbox.Entry) error {
	if entry == nil || entry.OutboxID == "" {
		return interfaces.ErrInvalidRecord
	}

	item, err := attributevalue.MarshalMap(toItem(entry))
	if err != nil {
		return interfaces.ErrInvalidRecord
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(outbox_id)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return interfaces.ErrAlreadyExists
		}
		return mapError(err)
	}
	return nil
}

func (d *DynamoOutboxStore) ListPending(ctx context.Context, now time.Time, limit int) ([]outbox.Entry, error) {
	out, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		IndexName:              aws.String(statusIndex),
		KeyConditionExpression: aws.String("#status = :pending"),
		FilterExpression:       aws.String("next_attempt_at <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(outbox.StatusPending)},
			":now":     &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
		Limit:            aws.Int32(int32(limit)),
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, mapError(err)
	}

	var items []dynamoOutboxItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, interfaces.ErrInvalidRecord
	}
	entries := make([]outbox.Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, item.toEntry())
	}
	return entries, nil
}

func (d *DynamoOutboxStore) MarkPublished(ctx context.Context, outboxID string, now time.Time) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 outboxKeyAttr(outboxID),
		UpdateExpression:    aws.String("SET #status = :published, updated_at = :updated_at"),
		ConditionExpression: aws.String("attribute_exists(outbox_id)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":published":  &types.AttributeValueMemberS{Value: string(outbox.StatusPublished)},
			":updated_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return interfaces.ErrNotFound
		}
		return mapError(err)
	}
	return nil
}

func (d *DynamoOutboxStore) MarkFailed(ctx context.Context, outboxID, lastError string, nextAttemptAt time.Time, dead bool) error {
	status := outbox.StatusPending
	if dead {
		status = outbox.StatusFailed
	}

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.table),
		Key:       outboxKeyAttr(outboxID),
		UpdateExpression: aws.String(
			"SET #status = :status, last_error = :last_error, next_attempt_at = :next_attempt_at, updated_at = :updated_at ADD attempts :one",
		),
		ConditionExpression: aws.String("attribute_exists(outbox_id)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":          &types.AttributeValueMemberS{Value: string(status)},
			":last_error":      &types.AttributeValueMemberS{Value: lastError},
			":next_attempt_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(nextAttemptAt.UnixMilli(), 10)},
			":updated_at":      &types.AttributeValueMemberN{Value: strconv.FormatInt(nextAttemptAt.UnixMilli(), 10)},
			":one":             &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return interfaces.ErrNotFound
		}
		return mapError(err)
	}
	return nil
}

func outboxKeyAttr(outboxID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"outbox_id": &types.AttributeValueMemberS{Value: outboxID},
	}
}

var _ outbox.Store = (*DynamoOutboxStore)(nil)
