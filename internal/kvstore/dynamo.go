package kvstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/polls/backend/internal/keys"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attributePartition = "PK"
	attributeSort      = "SK"
	attributeExpiresAt = "ExpiresAt"
)

var (
	errMissingDynamoClient = errors.New("kvstore: dynamodb client is required")
	errMissingDynamoTable  = errors.New("kvstore: dynamodb table name is required")
	errInvalidCursor       = errors.New("kvstore: invalid dynamodb cursor")
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoConfig describes the dependencies of a DynamoStore.
type DynamoConfig struct {
	Client DynamoAPI
	Table  string
	Clock  func() time.Time
}

// DynamoStore maps the flat key space onto a table keyed by PK (the segment
// before the first separator) and SK (the full key). Records carry a numeric
// ExpiresAt attribute that should be configured as the table's TTL attribute.
type DynamoStore struct {
	client DynamoAPI
	table  string
	clock  func() time.Time
}

type dynamoRecord struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Value     []byte `dynamodbav:"Value"`
	ExpiresAt int64  `dynamodbav:"ExpiresAt"`
}

type dynamoCursor struct {
	PK string `dynamodbav:"PK" json:"pk"`
	SK string `dynamodbav:"SK" json:"sk"`
}

// NewDynamoStore validates the configuration and returns a DynamoStore.
func NewDynamoStore(cfg DynamoConfig) (*DynamoStore, error) {
	if cfg.Client == nil {
		return nil, errMissingDynamoClient
	}
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, errMissingDynamoTable
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DynamoStore{client: cfg.Client, table: cfg.Table, clock: clock}, nil
}

// NewDynamoClient loads the default AWS configuration, optionally pinned to a
// region and a custom endpoint such as DynamoDB Local.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	options := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		options = append(options, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func partitionOf(key string) string {
	partition, _, _ := strings.Cut(key, keys.Separator)
	return partition
}

func (s *DynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attributePartition: &types.AttributeValueMemberS{Value: partitionOf(key)},
			attributeSort:      &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, false, unavailable("dynamodb get", err)
	}
	if output.Item == nil {
		return nil, false, nil
	}
	var record dynamoRecord
	if err := attributevalue.UnmarshalMap(output.Item, &record); err != nil {
		return nil, false, fmt.Errorf("kvstore: decode dynamodb item %q: %w", key, err)
	}
	// TTL deletion in DynamoDB lags behind expiry, so expired items are still readable.
	if record.ExpiresAt <= s.clock().Unix() {
		return nil, false, nil
	}
	return record.Value, true, nil
}

func (s *DynamoStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item, err := attributevalue.MarshalMap(dynamoRecord{
		PK:        partitionOf(key),
		SK:        key,
		Value:     value,
		ExpiresAt: s.clock().Add(ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("kvstore: encode dynamodb item %q: %w", key, err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return unavailable("dynamodb put", err)
	}
	return nil
}

// List queries a single partition when prefix names one (it contains the
// separator) and falls back to a filtered table scan otherwise. Filtered
// pages may come back empty while still carrying a cursor.
func (s *DynamoStore) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	startKey, err := decodeDynamoCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	names := map[string]string{
		"#pk":  attributePartition,
		"#sk":  attributeSort,
		"#exp": attributeExpiresAt,
	}
	values := map[string]types.AttributeValue{
		":prefix": &types.AttributeValueMemberS{Value: prefix},
		":now":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", s.clock().Unix())},
	}
	pageLimit := aws.Int32(int32(normalizeLimit(limit)))

	var (
		items   []map[string]types.AttributeValue
		lastKey map[string]types.AttributeValue
	)
	if strings.Contains(prefix, keys.Separator) {
		values[":pk"] = &types.AttributeValueMemberS{Value: partitionOf(prefix)}
		output, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    aws.String("#pk = :pk AND begins_with(#sk, :prefix)"),
			FilterExpression:          aws.String("#exp > :now"),
			ProjectionExpression:      aws.String("#pk, #sk"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
			Limit:                     pageLimit,
		})
		if err != nil {
			return Page{}, unavailable("dynamodb query", err)
		}
		items, lastKey = output.Items, output.LastEvaluatedKey
	} else {
		output, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			FilterExpression:          aws.String("begins_with(#sk, :prefix) AND #exp > :now"),
			ProjectionExpression:      aws.String("#pk, #sk"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
			Limit:                     pageLimit,
		})
		if err != nil {
			return Page{}, unavailable("dynamodb scan", err)
		}
		items, lastKey = output.Items, output.LastEvaluatedKey
	}

	page := Page{Keys: make([]string, 0, len(items))}
	for _, item := range items {
		var entry dynamoCursor
		if err := attributevalue.UnmarshalMap(item, &entry); err != nil {
			return Page{}, fmt.Errorf("kvstore: decode dynamodb key: %w", err)
		}
		page.Keys = append(page.Keys, entry.SK)
	}
	if len(lastKey) > 0 {
		page.Cursor, err = encodeDynamoCursor(lastKey)
		if err != nil {
			return Page{}, err
		}
	}
	return page, nil
}

func encodeDynamoCursor(lastKey map[string]types.AttributeValue) (string, error) {
	var cursor dynamoCursor
	if err := attributevalue.UnmarshalMap(lastKey, &cursor); err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidCursor, err)
	}
	raw, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidCursor, err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeDynamoCursor(value string) (map[string]types.AttributeValue, error) {
	if value == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidCursor, err)
	}
	var cursor dynamoCursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidCursor, err)
	}
	startKey, err := attributevalue.MarshalMap(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidCursor, err)
	}
	return startKey, nil
}
