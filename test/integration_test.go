package test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"dbmgmt/client"
	"dbmgmt/loadbalance"
	"dbmgmt/message"
	"dbmgmt/middleware"
	"dbmgmt/registry"
	"dbmgmt/server"
)

func startService(t *testing.T) (*server.Server, string) {
	t.Helper()

	srv := server.New(zaptest.NewLogger(t))
	srv.Handle("echo", func(params json.RawMessage) (any, error) {
		return params, nil
	})
	srv.Handle("insert", func(params json.RawMessage) (any, error) {
		var rows []any
		if err := json.Unmarshal(params, &rows); err != nil {
			return nil, err
		}
		return map[string]any{"inserted": len(rows)}, nil
	})

	addr, err := srv.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv, addr
}

// Full path: client → correlator → framing → TCP → server handler → response
// routing, with middleware wrapped around the call path and notifications
// flowing the other way on the same connection.
func TestEndToEnd(t *testing.T) {
	srv, addr := startService(t)

	logger := zaptest.NewLogger(t)
	c, err := client.Dial(context.Background(), addr, 2*time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.Use(middleware.Logging(logger), middleware.RateLimit(1000, 1000))

	notes := make(chan string, 8)
	c.OnNotification(func(kind string, payload json.RawMessage) { notes <- kind })

	// concurrent calls over the single connection
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := c.Call(context.Background(), "insert", "row-a", "row-b")
			if err != nil {
				t.Errorf("insert %d: %v", i, err)
				return
			}
			var got struct {
				Inserted int `json:"inserted"`
			}
			if err := json.Unmarshal(result, &got); err != nil || got.Inserted != 2 {
				t.Errorf("insert %d result = %s", i, result)
			}
		}(i)
	}
	wg.Wait()

	srv.Push(message.KindUpdate, "accounts")
	select {
	case kind := <-notes:
		if kind != message.KindUpdate {
			t.Fatalf("notification kind = %q, want update", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestRateLimitedClient(t *testing.T) {
	_, addr := startService(t)

	c, err := client.Dial(context.Background(), addr, time.Second, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.Use(middleware.RateLimit(1, 2))

	for i := 0; i < 2; i++ {
		if _, err := c.Call(context.Background(), "echo", i); err != nil {
			t.Fatalf("call %d within burst: %v", i, err)
		}
	}
	if _, err := c.Call(context.Background(), "echo", 2); !errors.Is(err, middleware.ErrRateLimited) {
		t.Fatalf("call over burst = %v, want ErrRateLimited", err)
	}
}

// DialService resolves the endpoint from etcd instead of taking a literal
// address. Requires a local etcd; skipped otherwise.
func TestDialServiceViaEtcd(t *testing.T) {
	const etcdAddr = "127.0.0.1:2379"
	probe, err := net.DialTimeout("tcp", etcdAddr, 200*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not reachable at %s: %v", etcdAddr, err)
	}
	probe.Close()

	_, addr := startService(t)

	// nil logger: the etcd client logs from background goroutines that can
	// outlive the test
	reg, err := registry.NewEtcdRegistry([]string{etcdAddr}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	if err := reg.Register("mgmtd-it", registry.Endpoint{Addr: addr, Weight: 10}, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister("mgmtd-it", addr)

	c, err := client.DialService(context.Background(), reg, &loadbalance.RoundRobin{},
		"mgmtd-it", time.Second, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	result, err := c.Call(context.Background(), "echo", "discovered")
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != `["discovered"]` {
		t.Fatalf("result = %s", result)
	}
}
