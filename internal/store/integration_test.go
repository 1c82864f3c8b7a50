package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	testRedisAddr string
	testMongoURI  string
	containers    []testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	if os.Getenv("ADVISOR_SKIP_CONTAINERS") == "" {
		testRedisAddr = startContainer(ctx, testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}, "6379/tcp")
		if host := startContainer(ctx, testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
		}, "27017/tcp"); host != "" {
			testMongoURI = "mongodb://" + host
		}
	}

	code := m.Run()

	for _, c := range containers {
		_ = c.Terminate(ctx)
	}
	os.Exit(code)
}

// startContainer returns host:port for the started container, or "" when
// Docker is not available.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest, port nat.Port) string {
	var (
		c   testcontainers.Container
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		c, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if err != nil {
		fmt.Printf("%s unavailable, integration tests will be skipped: %v\n", req.Image, err)
		return ""
	}
	containers = append(containers, c)

	host, err := c.Host(ctx)
	if err != nil {
		fmt.Printf("failed to get %s host: %v\n", req.Image, err)
		return ""
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		fmt.Printf("failed to get %s port: %v\n", req.Image, err)
		return ""
	}
	return host + ":" + mapped.Port()
}

// testName turns a subtest name into something usable as a key prefix or database name.
func testName(t *testing.T) string {
	r := strings.NewReplacer("/", "_", " ", "_")
	return strings.ToLower(r.Replace(t.Name()))
}

func newRedisTestStore(t *testing.T) Store {
	t.Helper()
	if testRedisAddr == "" {
		t.Skip("Docker not available, skipping redis integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	require.NoError(t, rdb.Ping(context.Background()).Err())

	s := NewRedisStore(rdb, testName(t)+":")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMongoTestStore(t *testing.T) Store {
	t.Helper()
	if testMongoURI == "" {
		t.Skip("Docker not available, skipping mongo integration test")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(testMongoURI))
	require.NoError(t, err)

	ctx := context.Background()
	db := testName(t)
	if len(db) > 60 {
		db = db[len(db)-60:]
	}
	s, err := NewMongoStore(ctx, client, db, "")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Database(db).Drop(context.Background())
		_ = s.Close()
	})
	return s
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, newRedisTestStore)
}

func TestMongoStore(t *testing.T) {
	runStoreContract(t, newMongoTestStore)
}

func TestNewRedisStore_DefaultPrefix(t *testing.T) {
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "")
	defer s.Close()
	require.Equal(t, "advisor:session:abc", s.key("abc"))
	require.Equal(t, "advisor:sessions", s.indexKey())
}

func TestNewMongoStore_Validation(t *testing.T) {
	_, err := NewMongoStore(context.Background(), nil, "db", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "mongo client is required")
}
