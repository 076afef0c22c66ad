package dynamodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/models"
)

// fakeDynamo returns canned responses per call.
type fakeDynamo struct {
	getOut    *awsdynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateOut *awsdynamodb.UpdateItemOutput
	updateErr error

	lastPut    *awsdynamodb.PutItemInput
	lastUpdate *awsdynamodb.UpdateItemInput
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *awsdynamodb.GetItemInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.getOut != nil {
		return f.getOut, nil
	}
	return &awsdynamodb.GetItemOutput{}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *awsdynamodb.PutItemInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.PutItemOutput, error) {
	f.lastPut = params
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &awsdynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, params *awsdynamodb.UpdateItemInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.UpdateItemOutput, error) {
	f.lastUpdate = params
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	if f.updateOut != nil {
		return f.updateOut, nil
	}
	return &awsdynamodb.UpdateItemOutput{}, nil
}

func testRecord(key string) *models.TransactionRecord {
	return models.NewRecord(models.TransactionRequest{
		IdempotencyKey: key,
		AmountMinor:    1000,
		Currency:       "USD",
		PayerAccount:   "acct-9",
		PayeeAccount:   "acct-1",
	}, time.Now().UTC())
}

func marshaled(t *testing.T, rec *models.TransactionRecord) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(rec)
	require.NoError(t, err)
	return item
}

func TestGetByKey(t *testing.T) {
	rec := testRecord("tx-1")
	fake := &fakeDynamo{getOut: &awsdynamodb.GetItemOutput{Item: marshaled(t, rec)}}
	store := NewDynamoLedgerStore(fake, "transactions")

	got, err := store.GetByKey(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", got.IdempotencyKey)
	assert.Equal(t, models.StatusReceived, got.Status)
}

func TestGetByKeyNotFound(t *testing.T) {
	store := NewDynamoLedgerStore(&fakeDynamo{}, "transactions")

	_, err := store.GetByKey(context.Background(), "missing")
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestCreateIfAbsentSetsCondition(t *testing.T) {
	fake := &fakeDynamo{}
	store := NewDynamoLedgerStore(fake, "transactions")

	require.NoError(t, store.CreateIfAbsent(context.Background(), testRecord("tx-1")))

	require.NotNil(t, fake.lastPut)
	assert.Equal(t, "transactions", aws.ToString(fake.lastPut.TableName))
	assert.Equal(t, "attribute_not_exists(idempotency_key)", aws.ToString(fake.lastPut.ConditionExpression))
}

func TestCreateIfAbsentExistingKey(t *testing.T) {
	fake := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: aws.String("exists")}}
	store := NewDynamoLedgerStore(fake, "transactions")

	err := store.CreateIfAbsent(context.Background(), testRecord("tx-1"))
	assert.True(t, errors.Is(err, interfaces.ErrAlreadyExists))
}

func TestUpdateWithVersionCheckConflict(t *testing.T) {
	rec := testRecord("tx-1")
	fake := &fakeDynamo{
		updateErr: &types.ConditionalCheckFailedException{Message: aws.String("condition failed")},
		getOut:    &awsdynamodb.GetItemOutput{Item: marshaled(t, rec)},
	}
	store := NewDynamoLedgerStore(fake, "transactions")

	_, err := store.UpdateWithVersionCheck(context.Background(), "tx-1", 3, models.RecordUpdate{
		Status:  models.StatusProcessing,
		Attempt: 4,
	})
	assert.True(t, errors.Is(err, interfaces.ErrVersionConflict))
}

func TestUpdateWithVersionCheckMissingRecord(t *testing.T) {
	fake := &fakeDynamo{
		updateErr: &types.ConditionalCheckFailedException{Message: aws.String("condition failed")},
	}
	store := NewDynamoLedgerStore(fake, "transactions")

	_, err := store.UpdateWithVersionCheck(context.Background(), "missing", 0, models.RecordUpdate{})
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestUpdateWithVersionCheckGuardsCompleted(t *testing.T) {
	rec := testRecord("tx-1")
	rec.Status = models.StatusProcessing
	rec.Attempt = 1
	fake := &fakeDynamo{
		updateOut: &awsdynamodb.UpdateItemOutput{Attributes: marshaled(t, rec)},
	}
	store := NewDynamoLedgerStore(fake, "transactions")

	_, err := store.UpdateWithVersionCheck(context.Background(), "tx-1", 0, models.RecordUpdate{
		Status:    models.StatusProcessing,
		Attempt:   1,
		UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NotNil(t, fake.lastUpdate)
	cond := aws.ToString(fake.lastUpdate.ConditionExpression)
	assert.Contains(t, cond, "#attempt = :expected_attempt")
	assert.Contains(t, cond, "#status <> :completed")
	assert.Contains(t, cond, "attribute_exists(idempotency_key)")
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"provisioned throughput", &types.ProvisionedThroughputExceededException{}, interfaces.ErrThrottled},
		{"request limit", &types.RequestLimitExceeded{}, interfaces.ErrThrottled},
		{"throttling api error", &smithy.GenericAPIError{Code: "ThrottlingException"}, interfaces.ErrThrottled},
		{"validation api error", &smithy.GenericAPIError{Code: "ValidationException"}, interfaces.ErrInvalidRecord},
		{"anything else", errors.New("connection reset"), interfaces.ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewDynamoLedgerStore(&fakeDynamo{getErr: tt.err}, "transactions")
			_, err := store.GetByKey(context.Background(), "tx-1")
			assert.True(t, errors.Is(err, tt.want))
		})
	}
}
