package paylink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// putIfVacant admits a write when no record exists or the existing one has expired.
const putIfVacant = "attribute_not_exists(order_id) OR expires_at_ms <= :now"

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error)
	PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error)
}

// NewDynamoClient loads the default AWS configuration for region.
func NewDynamoClient(ctx context.Context, region string) (*dyn.Client, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dyn.NewFromConfig(cfg), nil
}

type dynamoItem struct {
	OrderID     string    `dynamodbav:"order_id"`
	PaymentURL  string    `dynamodbav:"payment_url"`
	ResolvedAt  time.Time `dynamodbav:"resolved_at"`
	ExpiresAtMs int64     `dynamodbav:"expires_at_ms"`
	ExpiresAt   int64     `dynamodbav:"expires_at"` // table TTL attribute, epoch seconds
}

func (it dynamoItem) record() Record {
	return Record{
		OrderID:    it.OrderID,
		PaymentURL: it.PaymentURL,
		ResolvedAt: it.ResolvedAt.UTC(),
		ExpiresAt:  time.UnixMilli(it.ExpiresAtMs).UTC(),
	}
}

// DynamoStore keeps records in a DynamoDB table keyed by order_id. DynamoDB
// deletes expired items lazily, so expiry is re-checked on every read.
type DynamoStore struct {
	client    DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewDynamoStore returns a store bound to tableName.
func NewDynamoStore(client DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, nowFunc: time.Now}
}

func (s *DynamoStore) Get(ctx context.Context, orderID string) (Record, bool, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            map[string]types.AttributeValue{"order_id": &types.AttributeValueMemberS{Value: orderID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return Record{}, false, nil
	}
	var it dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal item: %w", err)
	}
	rec := it.record()
	if rec.Expired(s.nowFunc()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *DynamoStore) Put(ctx context.Context, orderID, paymentURL string, ttl time.Duration) (Record, bool, error) {
	now := s.nowFunc()
	rec := newRecord(orderID, paymentURL, now, ttl)
	item, err := attributevalue.MarshalMap(dynamoItem{
		OrderID:     rec.OrderID,
		PaymentURL:  rec.PaymentURL,
		ResolvedAt:  rec.ResolvedAt,
		ExpiresAtMs: rec.ExpiresAt.UnixMilli(),
		ExpiresAt:   rec.ExpiresAt.Unix(),
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String(putIfVacant),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	if err == nil {
		return rec, true, nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "ConditionalCheckFailedException" {
		return Record{}, false, fmt.Errorf("put item: %w", err)
	}

	existing, found, err := s.Get(ctx, orderID)
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, errors.New("put item: condition failed but no live record")
	}
	return existing, false, nil
}
