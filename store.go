package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"startonce/election"
)

const (
	backendMemory   = "memory"
	backendEtcd     = "etcd"
	backendDynamoDB = "dynamodb"
	backendPostgres = "postgres"
	backendRedis    = "redis"
	backendMongo    = "mongo"
)

// pollInterval is how often backends without change notifications
// re-check a lock or barrier while waiting.
const pollInterval = 100 * time.Millisecond

// connectSubstrate connects this instance to the configured backend.
func connectSubstrate(ctx context.Context, conf config, logger *zap.Logger) (election.Substrate, error) {
	switch conf.backend {
	case backendMemory:
		logger.Warn("Using in-memory backend, instances in other processes will not see this one")
		return election.NewMemoryCluster().Join(conf.nodeName), nil

	case backendEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   conf.etcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		backend, err := NewEtcdBackend(ctx, client, conf.clusterName, conf.nodeName, conf.memberTTL, logger)
		if err != nil {
			client.Close()
			return nil, err
		}
		return backend, nil

	case backendDynamoDB:
		awsConf, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsConf, func(o *dynamodb.Options) {
			if conf.dynamoDBEndpoint != "" {
				o.BaseEndpoint = aws.String(conf.dynamoDBEndpoint)
			}
		})
		backend := NewDynamoDBBackend(client, conf.dynamoDBTable, conf.clusterName, conf.nodeName, logger)
		if err := backend.InitTable(ctx); err != nil {
			return nil, err
		}
		if err := backend.Join(ctx, conf.memberTTL); err != nil {
			return nil, err
		}
		return backend, nil

	case backendPostgres:
		backend, err := NewPostgresBackend(ctx, conf.postgresURL, conf.clusterName, conf.nodeName, conf.memberTTL, logger)
		if err != nil {
			return nil, err
		}
		return backend, nil

	case backendRedis:
		backend, err := NewRedisBackend(ctx, conf.redisAddr, conf.clusterName, conf.nodeName, conf.memberTTL, logger)
		if err != nil {
			return nil, err
		}
		return backend, nil

	case backendMongo:
		backend, err := NewMongoBackend(ctx, conf.mongoURL, conf.mongoDatabase, conf.clusterName, conf.nodeName, conf.memberTTL, logger)
		if err != nil {
			return nil, err
		}
		return backend, nil
	}

	return nil, fmt.Errorf("unknown backend %q", conf.backend)
}

// newOwnerToken identifies one lock handle or membership record. The
// node name is kept for humans reading the store.
func newOwnerToken(nodeName string) string {
	return nodeName + "/" + uuid.NewString()
}

// leaseSeconds rounds a lease up to whole seconds, at least one, for
// backends that only support second-granularity TTLs.
func leaseSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// pollUntil calls check every interval until it returns true or wait
// elapses. check is always called at least once. It returns ctx.Err()
// if ctx is done first.
func pollUntil(ctx context.Context, wait, interval time.Duration, check func(ctx context.Context) (bool, error)) (bool, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
