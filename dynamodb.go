package main

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
	"go.uber.org/zap"

	"startonce/election"
)

// DynamoDBBackend implements election.Substrate on a single DynamoDB
// table keyed by cluster name and object key. Lock leases are stored as
// an expiry timestamp that is compared in condition expressions, so the
// instances' clocks must be roughly in sync.
type DynamoDBBackend struct {
	client      *dynamodb.Client
	tableName   string
	clusterName string
	nodeName    string
	memberKey   string
	logger      *zap.Logger
}

func NewDynamoDBBackend(client *dynamodb.Client, tableName string, clusterName string, nodeName string, logger *zap.Logger) *DynamoDBBackend {
	return &DynamoDBBackend{
		client:      client,
		tableName:   tableName,
		clusterName: clusterName,
		nodeName:    nodeName,
		logger:      logger,
	}
}

// InitTable creates the table if it does not exist yet and waits until
// it is active. An existing table is used as is, whoever created it.
func (d *DynamoDBBackend) InitTable(ctx context.Context) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.tableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("cluster_name"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("key"),
				KeyType:       types.KeyTypeRange,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("cluster_name"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var resourceInUse *types.ResourceInUseException
		if errors.As(err, &resourceInUse) {
			d.logger.Debug("Table already exists, skipping creation", zap.String("table", d.tableName))
			return nil
		}
		return fmt.Errorf("failed to create DynamoDB table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(d.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.tableName)}, 2*time.Minute); err != nil {
		return fmt.Errorf("failed waiting for DynamoDB table: %w", err)
	}

	return nil
}

const (
	lockRangeKeyPrefix    = "locks/"
	flagRangeKeyPrefix    = "flags/"
	barrierRangeKeyPrefix = "barriers/"
	memberRangeKeyPrefix  = "members/"
)

// Item shapes. Every item also carries cluster_name and key.
type dynamoLockItem struct {
	ClusterName string `dynamodbav:"cluster_name"`
	Key         string `dynamodbav:"key"`
	Owner       string `dynamodbav:"owner"`
	ExpiresAt   int64  `dynamodbav:"expires_at"`
}

type dynamoFlagItem struct {
	ClusterName string `dynamodbav:"cluster_name"`
	Key         string `dynamodbav:"key"`
	Value       bool   `dynamodbav:"value"`
}

type dynamoBarrierItem struct {
	ClusterName string `dynamodbav:"cluster_name"`
	Key         string `dynamodbav:"key"`
	Count       int    `dynamodbav:"count"`
}

type dynamoMemberItem struct {
	ClusterName string `dynamodbav:"cluster_name"`
	Key         string `dynamodbav:"key"`
	NodeName    string `dynamodbav:"node_name"`
	ExpiresAt   int64  `dynamodbav:"expires_at"`
}

func (d *DynamoDBBackend) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"cluster_name": &types.AttributeValueMemberS{Value: d.clusterName},
		"key":          &types.AttributeValueMemberS{Value: key},
	}
}

func isConditionFailed(err error) bool {
	var conditionErr *types.ConditionalCheckFailedException
	return errors.As(err, &conditionErr)
}

func unixMillis(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

// Join registers this instance as a member until memberTTL passes.
func (d *DynamoDBBackend) Join(ctx context.Context, memberTTL time.Duration) error {
	d.memberKey = memberRangeKeyPrefix + newOwnerToken(d.nodeName)
	value, err := attributevalue.MarshalMap(dynamoMemberItem{
		ClusterName: d.clusterName,
		Key:         d.memberKey,
		NodeName:    d.nodeName,
		ExpiresAt:   time.Now().Add(memberTTL).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      value,
	}); err != nil {
		return fmt.Errorf("failed to register member in DynamoDB: %w", err)
	}
	return nil
}

func (d *DynamoDBBackend) Members(ctx context.Context) (int, error) {
	paginator := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		ConsistentRead:         aws.Bool(true),
		Select:                 types.SelectCount,
		KeyConditionExpression: aws.String("cluster_name = :cluster_name AND begins_with(#key, :prefix)"),
		FilterExpression:       aws.String("#expires_at > :now"),
		ExpressionAttributeNames: map[string]string{
			"#key":        "key",
			"#expires_at": "expires_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cluster_name": &types.AttributeValueMemberS{Value: d.clusterName},
			":prefix":       &types.AttributeValueMemberS{Value: memberRangeKeyPrefix},
			":now":          unixMillis(time.Now()),
		},
	})

	n := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to count members in DynamoDB: %w", err)
		}
		n += int(page.Count)
	}
	return n, nil
}

// Reset deletes the lock, flag and barrier items of the cluster one by
// one. Items written while it runs may survive.
func (d *DynamoDBBackend) Reset(ctx context.Context) error {
	for _, prefix := range []string{lockRangeKeyPrefix, flagRangeKeyPrefix, barrierRangeKeyPrefix} {
		paginator := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
			TableName:              aws.String(d.tableName),
			ConsistentRead:         aws.Bool(true),
			KeyConditionExpression: aws.String("cluster_name = :cluster_name AND begins_with(#key, :prefix)"),
			ProjectionExpression:   aws.String("cluster_name, #key"),
			ExpressionAttributeNames: map[string]string{
				"#key": "key",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cluster_name": &types.AttributeValueMemberS{Value: d.clusterName},
				":prefix":       &types.AttributeValueMemberS{Value: prefix},
			},
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("failed to list %s items in DynamoDB: %w", prefix, err)
			}
			for _, item := range page.Items {
				if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
					TableName: aws.String(d.tableName),
					Key:       item,
				}); err != nil {
					return fmt.Errorf("failed to delete %s item in DynamoDB: %w", prefix, err)
				}
			}
		}
	}
	return nil
}

func (d *DynamoDBBackend) Close() error {
	if d.memberKey == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.itemKey(d.memberKey),
	}); err != nil {
		return fmt.Errorf("failed to remove member from DynamoDB: %w", err)
	}
	return nil
}

func (d *DynamoDBBackend) Lock(name string) election.Lock {
	return &dynamoLock{backend: d, key: lockRangeKeyPrefix + name, owner: newOwnerToken(d.nodeName)}
}

func (d *DynamoDBBackend) Flag(name string) election.Flag {
	return &dynamoFlag{backend: d, key: flagRangeKeyPrefix + name}
}

func (d *DynamoDBBackend) Barrier(name string) election.Barrier {
	return &dynamoBarrier{backend: d, key: barrierRangeKeyPrefix + name}
}

type dynamoLock struct {
	backend *DynamoDBBackend
	key     string
	owner   string
}

func (l *dynamoLock) TryAcquire(ctx context.Context, wait, lease time.Duration) (bool, error) {
	d := l.backend
	return pollUntil(ctx, wait, pollInterval, func(ctx context.Context) (bool, error) {
		now := time.Now()
		value, err := attributevalue.MarshalMap(dynamoLockItem{
			ClusterName: d.clusterName,
			Key:         l.key,
			Owner:       l.owner,
			ExpiresAt:   now.Add(lease).UnixMilli(),
		})
		if err != nil {
			return false, fmt.Errorf("failed to marshal lock: %w", err)
		}

		_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.tableName),
			Item:                value,
			ConditionExpression: aws.String("attribute_not_exists(cluster_name) OR #expires_at < :now OR #owner = :owner"),
			ExpressionAttributeNames: map[string]string{
				"#expires_at": "expires_at",
				"#owner":      "owner",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now":   unixMillis(now),
				":owner": &types.AttributeValueMemberS{Value: l.owner},
			},
		})
		if err != nil {
			if isConditionFailed(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to write lock to DynamoDB: %w", err)
		}
		return true, nil
	})
}

func (l *dynamoLock) Release(ctx context.Context) error {
	d := l.backend
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 d.itemKey(l.key),
		ConditionExpression: aws.String("#owner = :owner AND #expires_at >= :now"),
		ExpressionAttributeNames: map[string]string{
			"#expires_at": "expires_at",
			"#owner":      "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   unixMillis(time.Now()),
			":owner": &types.AttributeValueMemberS{Value: l.owner},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return election.ErrNotHeld
		}
		return fmt.Errorf("failed to delete lock from DynamoDB: %w", err)
	}
	return nil
}

type dynamoFlag struct {
	backend *DynamoDBBackend
	key     string
}

func (f *dynamoFlag) Get(ctx context.Context) (bool, error) {
	d := f.backend
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.itemKey(f.key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("failed to get flag from DynamoDB: %w", err)
	}
	if resp.Item == nil {
		return false, nil
	}

	var item dynamoFlagItem
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return false, fmt.Errorf("failed to unmarshal flag: %w", err)
	}
	return item.Value, nil
}

func (f *dynamoFlag) Set(ctx context.Context, v bool) error {
	d := f.backend
	value, err := attributevalue.MarshalMap(dynamoFlagItem{
		ClusterName: d.clusterName,
		Key:         f.key,
		Value:       v,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal flag: %w", err)
	}

	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      value,
	}); err != nil {
		return fmt.Errorf("failed to write flag to DynamoDB: %w", err)
	}
	return nil
}

type dynamoBarrier struct {
	backend *DynamoDBBackend
	key     string
}

func (b *dynamoBarrier) TrySetCount(ctx context.Context, n int) (bool, error) {
	if n < 0 {
		return false, fmt.Errorf("barrier count must not be negative, got %d", n)
	}
	d := b.backend
	value, err := attributevalue.MarshalMap(dynamoBarrierItem{
		ClusterName: d.clusterName,
		Key:         b.key,
		Count:       n,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal barrier: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                value,
		ConditionExpression: aws.String("attribute_not_exists(cluster_name)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to write barrier to DynamoDB: %w", err)
	}
	return true, nil
}

func (b *dynamoBarrier) CountDown(ctx context.Context) error {
	d := b.backend
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 d.itemKey(b.key),
		UpdateExpression:    aws.String("SET #count = #count - :one"),
		ConditionExpression: aws.String("#count > :zero"),
		ExpressionAttributeNames: map[string]string{
			"#count": "count",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":  &types.AttributeValueMemberN{Value: "1"},
			":zero": &types.AttributeValueMemberN{Value: "0"},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("failed to count down barrier in DynamoDB: %w", err)
	}
	return nil
}

func (b *dynamoBarrier) Count(ctx context.Context) (int, error) {
	d := b.backend
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.itemKey(b.key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get barrier from DynamoDB: %w", err)
	}
	if resp.Item == nil {
		return 0, nil
	}

	var item dynamoBarrierItem
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return 0, fmt.Errorf("failed to unmarshal barrier: %w", err)
	}
	return item.Count, nil
}

func (b *dynamoBarrier) Await(ctx context.Context, timeout time.Duration) (bool, error) {
	return pollUntil(ctx, timeout, pollInterval, func(ctx context.Context) (bool, error) {
		count, err := b.Count(ctx)
		return count == 0, err
	})
}
