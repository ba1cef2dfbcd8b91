package registry

import (
	"net"
	"testing"
	"time"
)

const etcdAddr = "127.0.0.1:2379"

// newTestRegistry connects to a local etcd, skipping the test when none is
// running.
func newTestRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()

	conn, err := net.DialTimeout("tcp", etcdAddr, 200*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not reachable at %s: %v", etcdAddr, err)
	}
	conn.Close()

	// nil logger: the etcd client logs from background goroutines that can
	// outlive the test
	reg, err := NewEtcdRegistry([]string{etcdAddr}, nil)
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestRegistry(t)

	ep := Endpoint{Addr: "127.0.0.1:17000", Weight: 10, Version: "1.0"}
	if err := reg.Register("mgmtd", ep, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister("mgmtd", ep.Addr)

	endpoints, err := reg.Discover("mgmtd")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, got := range endpoints {
		if got == ep {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered endpoint missing from Discover result: %v", endpoints)
	}
}

func TestDeregisterRemovesEndpoint(t *testing.T) {
	reg := newTestRegistry(t)

	ep := Endpoint{Addr: "127.0.0.1:17001"}
	if err := reg.Register("mgmtd-dereg", ep, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Deregister("mgmtd-dereg", ep.Addr); err != nil {
		t.Fatal(err)
	}

	endpoints, err := reg.Discover("mgmtd-dereg")
	if err != nil {
		t.Fatal(err)
	}
	for _, got := range endpoints {
		if got.Addr == ep.Addr {
			t.Fatalf("endpoint still discoverable after Deregister: %v", endpoints)
		}
	}
}

func TestWatchSeesRegistration(t *testing.T) {
	reg := newTestRegistry(t)

	ch := reg.Watch("mgmtd-watch")
	time.Sleep(100 * time.Millisecond) // let the watch establish

	ep := Endpoint{Addr: "127.0.0.1:17002"}
	if err := reg.Register("mgmtd-watch", ep, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister("mgmtd-watch", ep.Addr)

	select {
	case endpoints := <-ch:
		found := false
		for _, got := range endpoints {
			if got.Addr == ep.Addr {
				found = true
			}
		}
		if !found {
			t.Fatalf("watch update missing endpoint: %v", endpoints)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch never reported the registration")
	}
}
