//go:build integration

package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	mongomodule "github.com/testcontainers/testcontainers-go/modules/mongodb"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	redismodule "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"startonce/election"
	"startonce/election/electiontest"
)

// backendCluster returns clusters of the backend conf points at. Every
// cluster gets its own name, so the subtests share one container without
// seeing each other's objects.
func backendCluster(conf config) electiontest.NewCluster {
	return func(t *testing.T) electiontest.Cluster {
		clusterName := "test-" + uuid.NewString()
		return func(nodeName string) election.Substrate {
			t.Helper()

			c := conf
			c.clusterName = clusterName
			c.nodeName = nodeName
			c.memberTTL = time.Minute

			substrate, err := connectSubstrate(context.Background(), c, zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("connect %s backend: %v", c.backend, err)
			}
			return substrate
		}
	}
}

func terminateOnCleanup(t *testing.T, container testcontainers.Container) {
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})
}

func TestPostgresBackend_Substrate(t *testing.T) {
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("startonce_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	terminateOnCleanup(t, container)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	conf := testConfig()
	conf.backend = backendPostgres
	conf.postgresURL = connStr
	electiontest.RunSubstrateTests(t, backendCluster(conf))
}

func TestRedisBackend_Substrate(t *testing.T) {
	ctx := context.Background()

	container, err := redismodule.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	terminateOnCleanup(t, container)

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("get redis endpoint: %v", err)
	}

	conf := testConfig()
	conf.backend = backendRedis
	conf.redisAddr = addr
	electiontest.RunSubstrateTests(t, backendCluster(conf))
}

func TestMongoBackend_Substrate(t *testing.T) {
	ctx := context.Background()

	container, err := mongomodule.Run(ctx, "mongo:7")
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
	}
	terminateOnCleanup(t, container)

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	conf := testConfig()
	conf.backend = backendMongo
	conf.mongoURL = connStr
	conf.mongoDatabase = "startonce_test"
	electiontest.RunSubstrateTests(t, backendCluster(conf))
}

func TestEtcdBackend_Substrate(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "quay.io/coreos/etcd:v3.6.1",
			ExposedPorts: []string{"2379/tcp"},
			Cmd: []string{
				"etcd",
				"--listen-client-urls=http://0.0.0.0:2379",
				"--advertise-client-urls=http://0.0.0.0:2379",
			},
			WaitingFor: wait.ForListeningPort("2379/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start etcd container: %v", err)
	}
	terminateOnCleanup(t, container)

	endpoint, err := container.PortEndpoint(ctx, "2379/tcp", "")
	if err != nil {
		t.Fatalf("get etcd endpoint: %v", err)
	}

	conf := testConfig()
	conf.backend = backendEtcd
	conf.etcdEndpoints = []string{endpoint}
	electiontest.RunSubstrateTests(t, backendCluster(conf))
}

func TestDynamoDBBackend_Substrate(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "amazon/dynamodb-local:2.5.2",
			ExposedPorts: []string{"8000/tcp"},
			WaitingFor:   wait.ForListeningPort("8000/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start dynamodb container: %v", err)
	}
	terminateOnCleanup(t, container)

	endpoint, err := container.PortEndpoint(ctx, "8000/tcp", "http")
	if err != nil {
		t.Fatalf("get dynamodb endpoint: %v", err)
	}

	// DynamoDB Local accepts any credentials.
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_REGION", "us-east-1")

	conf := testConfig()
	conf.backend = backendDynamoDB
	conf.dynamoDBEndpoint = endpoint
	conf.dynamoDBTable = "startonce_test"
	electiontest.RunSubstrateTests(t, backendCluster(conf))
}
