package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"startonce/election"
)

const envPrefix = "STARTONCE_"

type config struct {
	command string

	backend     string
	clusterName string
	runID       string
	nodeName    string

	clusterSize        int
	waitToBecomeActive bool
	waitTimeout        time.Duration
	lockWait           time.Duration
	lockLease          time.Duration
	lockMode           election.Mode
	sleep              time.Duration

	memberTTL time.Duration
	instances int

	etcdEndpoints    []string
	dynamoDBTable    string
	dynamoDBEndpoint string
	postgresURL      string
	redisAddr        string
	mongoURL         string
	mongoDatabase    string

	listenAddress string
	logLevel      string
	logEncoding   string
	otlpEndpoint  string
}

// secondsDuration accepts either a Go duration ("1m30s") or a bare
// integer number of seconds.
type secondsDuration time.Duration

func (d *secondsDuration) String() string { return time.Duration(*d).String() }

func (d *secondsDuration) Set(s string) error {
	if n, err := strconv.Atoi(s); err == nil {
		*d = secondsDuration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = secondsDuration(v)
	return nil
}

func durationFlag(fs *flag.FlagSet, name string, value time.Duration, usage string) *secondsDuration {
	d := secondsDuration(value)
	fs.Var(&d, name, usage)
	return &d
}

// envName maps a flag name to its environment variable, for example
// "lock-wait-time" to "STARTONCE_LOCK_WAIT_TIME".
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// parseFlags reads the configuration from environment variables and
// then from args. Flags given on the command line win over the
// environment.
func parseFlags(args []string, lookupEnv func(string) (string, bool), output io.Writer) (config, error) {
	fs := flag.NewFlagSet("startonce", flag.ContinueOnError)
	fs.SetOutput(output)

	backend := fs.String("backend", "memory", "Coordination backend: memory, etcd, dynamodb, postgres, redis or mongo")
	clusterName := fs.String("cluster-name", "startonce", "Namespace for all shared objects")
	runID := fs.String("run-id", "", "Scope for the start lock, flag and barrier; a new value starts a new election")
	nodeName := fs.String("node-name", "", "Name of this instance (defaults to hostname)")

	clusterSize := fs.Int("cluster-size", 3, "Number of instances the barrier waits for")
	waitActive := fs.Bool("cluster-wait-active", false, "Wait for cluster-size instances before the election")
	waitTimeout := durationFlag(fs, "cluster-wait-timeout", 60*time.Second, "How long to wait for the cluster to become active")
	lockWait := durationFlag(fs, "lock-wait-time", 10*time.Second, "How long to wait for the start lock")
	lockLease := durationFlag(fs, "lock-lease-time", 30*time.Second, "How long the start lock is held before it is released automatically")
	lockMode := fs.String("lock-mode", string(election.ModeBestEffort), "What to do when the start lock is not acquired: best-effort or strict")
	sleep := durationFlag(fs, "sleep", 5*time.Second, "How long the instance works after the election")

	memberTTL := durationFlag(fs, "member-ttl", 5*time.Minute, "How long a membership record lives without the instance")
	instances := fs.Int("instances", 10, "Number of instances to run (simulate only)")

	etcdEndpoints := fs.String("etcd-endpoints", "127.0.0.1:2379", "CSV of etcd endpoints")
	dynamoDBTable := fs.String("dynamodb-table", "startonce", "DynamoDB table name")
	dynamoDBEndpoint := fs.String("dynamodb-endpoint", "", "DynamoDB endpoint URL (empty uses the AWS default)")
	postgresURL := fs.String("postgres-url", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable", "PostgreSQL connection string")
	redisAddr := fs.String("redis-addr", "127.0.0.1:6379", "Redis address")
	mongoURL := fs.String("mongo-url", "mongodb://127.0.0.1:27017/", "MongoDB connection string")
	mongoDatabase := fs.String("mongo-database", "startonce", "MongoDB database name")

	listen := fs.String("listen", "", "Address for the health and metrics server (empty disables it)")
	logLevel := fs.String("log-level", "debug", "Log level: debug, info, warn or error")
	logEncoding := fs.String("log-encoding", "console", "Log encoding: console or json")
	otlpEndpoint := fs.String("otlp-endpoint", "", "OTLP HTTP endpoint for traces (empty disables tracing)")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: startonce [options] [command]\n")
		fmt.Fprintln(fs.Output(), "Commands:")
		fmt.Fprintln(fs.Output(), "  run       Join the cluster and run the election once (default)")
		fmt.Fprintln(fs.Output(), "  simulate  Run -instances instances in this process against an in-memory cluster")
		fmt.Fprintln(fs.Output(), "  reset     Delete the cluster's locks, flags and barriers so the next run elects again")
		fmt.Fprintln(fs.Output(), "Options (each can be set with "+envPrefix+"<OPTION>):")
		fs.PrintDefaults()
	}

	var envErr error
	fs.VisitAll(func(f *flag.Flag) {
		if envErr != nil {
			return
		}
		if v, ok := lookupEnv(envName(f.Name)); ok {
			if err := f.Value.Set(v); err != nil {
				envErr = fmt.Errorf("invalid value %q for %s: %w", v, envName(f.Name), err)
			}
		}
	})
	if envErr != nil {
		return config{}, envErr
	}

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	command := fs.Arg(0)
	if command == "" {
		command = "run"
	}
	if command != "run" && command != "simulate" && command != "reset" {
		return config{}, fmt.Errorf("unknown command %q", command)
	}

	if *nodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return config{}, fmt.Errorf("failed to get hostname: %w", err)
		}
		*nodeName = hostname
	}

	mode, err := election.ParseMode(*lockMode)
	if err != nil {
		return config{}, err
	}

	conf := config{
		command:            command,
		backend:            *backend,
		clusterName:        *clusterName,
		runID:              *runID,
		nodeName:           *nodeName,
		clusterSize:        *clusterSize,
		waitToBecomeActive: *waitActive,
		waitTimeout:        time.Duration(*waitTimeout),
		lockWait:           time.Duration(*lockWait),
		lockLease:          time.Duration(*lockLease),
		lockMode:           mode,
		sleep:              time.Duration(*sleep),
		memberTTL:          time.Duration(*memberTTL),
		instances:          *instances,
		etcdEndpoints:      strings.Split(*etcdEndpoints, ","),
		dynamoDBTable:      *dynamoDBTable,
		dynamoDBEndpoint:   *dynamoDBEndpoint,
		postgresURL:        *postgresURL,
		redisAddr:          *redisAddr,
		mongoURL:           *mongoURL,
		mongoDatabase:      *mongoDatabase,
		listenAddress:      *listen,
		logLevel:           *logLevel,
		logEncoding:        *logEncoding,
		otlpEndpoint:       *otlpEndpoint,
	}
	if err := conf.validate(); err != nil {
		return config{}, err
	}
	return conf, nil
}

func (c config) validate() error {
	switch c.backend {
	case backendMemory, backendEtcd, backendDynamoDB, backendPostgres, backendRedis, backendMongo:
	default:
		return fmt.Errorf("unknown backend %q", c.backend)
	}
	if c.clusterName == "" {
		return fmt.Errorf("cluster name must not be empty")
	}
	if c.clusterSize < 1 {
		return fmt.Errorf("cluster size must be at least 1, got %d", c.clusterSize)
	}
	if c.waitTimeout <= 0 || c.lockLease <= 0 || c.memberTTL <= 0 {
		return fmt.Errorf("cluster wait timeout, lock lease time and member ttl must be greater than zero")
	}
	if c.lockWait < 0 || c.sleep < 0 {
		return fmt.Errorf("lock wait time and sleep must not be negative")
	}
	if c.command == "simulate" && c.instances < 1 {
		return fmt.Errorf("instances must be at least 1, got %d", c.instances)
	}
	return nil
}
