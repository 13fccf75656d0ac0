package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	pkPrefixAgent   = "AGENT#"
	skPrefixContact = "CONTACT#"
)

// DynamoDBAPI is the minimal DynamoDB interface required by the store.
// *dynamodb.Client from aws-sdk-go-v2 satisfies this interface.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// dynamoStore implements Store on a table keyed by PK (agent) and SK (contact).
// The table's TTL attribute must be "ttl".
type dynamoStore struct {
	api        DynamoDBAPI
	table      string
	defaultTTL time.Duration
	now        func() time.Time
}

func newDynamoStore(c *storeConfig) *dynamoStore {
	return &dynamoStore{
		api:        c.dynamo,
		table:      c.table,
		defaultTTL: c.defaultTTL,
		now:        c.now,
	}
}

func itemKey(agentID, contactID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkPrefixAgent + agentID},
		"SK": &types.AttributeValueMemberS{Value: skPrefixContact + contactID},
	}
}

// Get implements Store.
func (s *dynamoStore) Get(ctx context.Context, agentID, contactID string) (*Record, error) {
	if agentID == "" || contactID == "" {
		return nil, ErrInvalidKey
	}

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(agentID, contactID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("session: get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	rec, err := itemToRecord(agentID, contactID, out.Item)
	if err != nil {
		return nil, fmt.Errorf("session: decode item: %w", err)
	}
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return rec, nil
}

// Put implements Store.
func (s *dynamoStore) Put(ctx context.Context, agentID, contactID string, state []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	rec, err := newRecord(agentID, contactID, state, ttl, s.now().UTC())
	if err != nil {
		return err
	}

	item := itemKey(agentID, contactID)
	item["state"] = &types.AttributeValueMemberS{Value: string(rec.State)}
	item["updated_at"] = &types.AttributeValueMemberS{Value: rec.UpdatedAt.Format(time.RFC3339Nano)}
	item["ttl_seconds"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(ttl/time.Second), 10)}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ExpiresAt.Unix(), 10)}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("session: put item: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *dynamoStore) Close() error {
	return nil
}

func itemToRecord(agentID, contactID string, item map[string]types.AttributeValue) (*Record, error) {
	state, err := stringAttr(item, "state")
	if err != nil {
		return nil, err
	}
	updated, err := stringAttr(item, "updated_at")
	if err != nil {
		return nil, err
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	ttlSeconds, err := intAttr(item, "ttl_seconds")
	if err != nil {
		return nil, err
	}
	expires, err := intAttr(item, "ttl")
	if err != nil {
		return nil, err
	}

	return &Record{
		AgentID:   agentID,
		ContactID: contactID,
		State:     []byte(state),
		UpdatedAt: updatedAt,
		TTL:       time.Duration(ttlSeconds) * time.Second,
		ExpiresAt: time.Unix(expires, 0).UTC(),
	}, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q missing or not a string", name)
	}
	return v.Value, nil
}

func intAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q missing or not a number", name)
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %q: %w", name, err)
	}
	return n, nil
}
