package paylink

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is a minimal in-memory table that understands putIfVacant.
type fakeDynamo struct {
	mu    sync.Mutex
	table map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{table: map[string]map[string]types.AttributeValue{}}
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := params.Key["order_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing key")
	}
	item, found := f.table[key.Value]
	if !found {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := params.Item["order_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing key")
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == putIfVacant {
		if existing, found := f.table[key.Value]; found {
			now := mustInt(params.ExpressionAttributeValues[":now"])
			if mustInt(existing["expires_at_ms"]) > now {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
	}
	f.table[key.Value] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func mustInt(v types.AttributeValue) int64 {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	out, _ := strconv.ParseInt(n.Value, 10, 64)
	return out
}
