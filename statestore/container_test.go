package statestore

import (
	"os"
	"reflect"
	"testing"

	redis "github.com/go-redis/redis/v8"

	"github.com/The-Alchemist/avout/coordinator"
)

func testContainerBasics(t *testing.T, c StateContainer) {
	if err := c.Init(); err != nil {
		t.Fatalf("init error: %v", err)
	}
	if _, err := c.GetState(1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on empty container, got %v", err)
	}
	if err := c.SetState([]byte("one"), 1); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if err := c.SetState([]byte("three"), 3); err != nil {
		t.Fatalf("set error: %v", err)
	}
	// idempotent per version
	if err := c.SetState([]byte("ignored"), 1); err != nil {
		t.Fatalf("idempotent set error: %v", err)
	}
	data, err := c.GetState(1)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if !reflect.DeepEqual(data, []byte("one")) {
		t.Fatalf("idempotent set overwrote version 1: %s", data)
	}
	versions, err := c.Versions()
	if err != nil {
		t.Fatalf("versions error: %v", err)
	}
	if !reflect.DeepEqual(versions, []uint64{1, 3}) {
		t.Fatalf("unexpected versions: %v", versions)
	}
	if _, err := c.GetState(2); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for absent in-range version, got %v", err)
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("destroy error: %v", err)
	}
}

func testContainerRetention(t *testing.T, c StateContainer) {
	if err := c.Init(); err != nil {
		t.Fatalf("init error: %v", err)
	}
	for version := uint64(1); version <= 5; version++ {
		if err := c.SetState([]byte{byte(version)}, version); err != nil {
			t.Fatalf("set error: %v", err)
		}
	}
	versions, err := c.Versions()
	if err != nil {
		t.Fatalf("versions error: %v", err)
	}
	if !reflect.DeepEqual(versions, []uint64{4, 5}) {
		t.Fatalf("retention did not prune, versions: %v", versions)
	}
	if _, err := c.GetState(2); err != ErrStaleRead {
		t.Fatalf("expected ErrStaleRead for pruned version, got %v", err)
	}
	if _, err := c.GetState(5); err != nil {
		t.Fatalf("get retained version error: %v", err)
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("destroy error: %v", err)
	}
}

func TestCoordinatorContainer(t *testing.T) {
	conn := coordinator.NewMemCluster().Connect()
	defer conn.Close()
	testContainerBasics(t, NewCoordinatorContainer(conn, "/refs/r/history", 10))
	testContainerRetention(t, NewCoordinatorContainer(conn, "/refs/r2/history", 2))
}

func TestLocalContainer(t *testing.T) {
	testContainerBasics(t, NewLocalContainer("basics", 10))
	testContainerRetention(t, NewLocalContainer("retention", 2))
}

func TestLocalContainerSharedByName(t *testing.T) {
	first := NewLocalContainer("shared", 10)
	second := NewLocalContainer("shared", 10)
	if err := first.SetState([]byte("v"), 7); err != nil {
		t.Fatalf("set error: %v", err)
	}
	data, err := second.GetState(7)
	if err != nil {
		t.Fatalf("get through second handle error: %v", err)
	}
	if !reflect.DeepEqual(data, []byte("v")) {
		t.Fatalf("unexpected data: %s", data)
	}
	if err := first.Destroy(); err != nil {
		t.Fatalf("destroy error: %v", err)
	}
}

func TestRedisContainer(t *testing.T) {
	url, exists := os.LookupEnv("STM_REDIS_URL")
	if !exists {
		t.Skip("STM_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url error: %v", err)
	}
	client := redis.NewClient(opt)
	testContainerBasics(t, NewRedisContainer(client, "test-basics", 10))
	testContainerRetention(t, NewRedisContainer(client, "test-retention", 2))
}
