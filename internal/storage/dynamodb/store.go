package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/models"
)

// API is the slice of the DynamoDB client the store uses. Narrowing it keeps
// unit tests on a hand fake instead of a network client.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoLedgerStore is the primary LedgerStore backend. The table is keyed on
// idempotency_key; claims and version-checked updates ride on DynamoDB
// condition expressions, and reads are strongly consistent so a worker always
// observes its own writes.
type DynamoLedgerStore struct {
	client API
	table  string
}

// NewDynamoLedgerStore creates a store over the given table.
func NewDynamoLedgerStore(client API, table string) *DynamoLedgerStore {
	return &DynamoLedgerStore{client: client, table: table}
}

func (d *DynamoLedgerStore) GetByKey(ctx context.Context, key string) (*models.TransactionRecord, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapError(err)
	}
	if len(out.Item) == 0 {
		return nil, interfaces.ErrNotFound
	}

	var rec models.TransactionRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("%w: decoding item: %v", interfaces.ErrInvalidRecord, err)
	}
	return &rec, nil
}

func (d *DynamoLedgerStore) CreateIfAbsent(ctx context.Context, rec *models.TransactionRecord) error {
	if rec == nil || rec.IdempotencyKey == "" {
		return interfaces.ErrInvalidRecord
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("%w: encoding item: %v", interfaces.ErrInvalidRecord, err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(idempotency_key)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return interfaces.ErrAlreadyExists
		}
		return mapError(err)
	}
	return nil
}

func (d *DynamoLedgerStore) UpdateWithVersionCheck(ctx context.Context, key string, expectedAttempt int, update models.RecordUpdate) (*models.TransactionRecord, error) {
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.table),
		Key:       keyAttr(key),
		UpdateExpression: aws.String(
			"SET #status = :status, #attempt = :attempt, decision = :decision, " +
				"risk_score = :risk_score, failure_reason = :failure_reason, updated_at = :updated_at",
		),
		// The write only lands while the record still carries the expected
		// attempt and has not completed. attribute_exists guards against
		// upserting a record that was never claimed.
		ConditionExpression: aws.String(
			"attribute_exists(idempotency_key) AND #attempt = :expected_attempt AND #status <> :completed",
		),
		ExpressionAttributeNames: map[string]string{
			"#status":  "status",
			"#attempt": "attempt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":           &types.AttributeValueMemberS{Value: string(update.Status)},
			":attempt":          &types.AttributeValueMemberN{Value: strconv.Itoa(update.Attempt)},
			":decision":         &types.AttributeValueMemberS{Value: string(update.Decision)},
			":risk_score":       &types.AttributeValueMemberN{Value: strconv.FormatFloat(update.RiskScore, 'f', -1, 64)},
			":failure_reason":   &types.AttributeValueMemberS{Value: update.FailureReason},
			":updated_at":       &types.AttributeValueMemberS{Value: update.UpdatedAt.UTC().Format(time.RFC3339Nano)},
			":expected_attempt": &types.AttributeValueMemberN{Value: strconv.Itoa(expectedAttempt)},
			":completed":        &types.AttributeValueMemberS{Value: string(models.StatusCompleted)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			// The condition covers both "no such item" and "wrong version";
			// re-read to report the right error.
			if _, getErr := d.GetByKey(ctx, key); errors.Is(getErr, interfaces.ErrNotFound) {
				return nil, interfaces.ErrNotFound
			}
			return nil, interfaces.ErrVersionConflict
		}
		return nil, mapError(err)
	}

	var rec models.TransactionRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return nil, fmt.Errorf("%w: decoding item: %v", interfaces.ErrInvalidRecord, err)
	}
	return &rec, nil
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// mapError translates SDK errors into the store taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var throttled *types.ProvisionedThroughputExceededException
	if errors.As(err, &throttled) {
		return fmt.Errorf("%w: %v", interfaces.ErrThrottled, err)
	}
	var limit *types.RequestLimitExceeded
	if errors.As(err, &limit) {
		return fmt.Errorf("%w: %v", interfaces.ErrThrottled, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException":
			return fmt.Errorf("%w: %v", interfaces.ErrThrottled, err)
		case "ValidationException", "SerializationException":
			return fmt.Errorf("%w: %v", interfaces.ErrInvalidRecord, err)
		}
	}
	return fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
}

var _ interfaces.LedgerStore = (*DynamoLedgerStore)(nil)
