package store_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/dreadpirate15/mongolock/store"
)

// Runs only against a real etcd cluster, e.g.
// ETCD_ENDPOINTS=localhost:2379 go test ./store
func newEtcdBackend(t *testing.T) *store.Etcd {
	t.Helper()
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("etcd client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return store.NewEtcd(client, store.WithEtcdKeyPrefix("mongolock-test/"+uuid.NewString()+"/"))
}

func TestEtcdConformance(t *testing.T) {
	testBackend(t, newEtcdBackend(t))
}
