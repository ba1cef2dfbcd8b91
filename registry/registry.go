package registry

// Endpoint is one advertised address of the management service.
type Endpoint struct {
	Addr    string
	Weight  int // relative weight for endpoint selection
	Version string
}

// Registry resolves the management service's endpoints. Register/Deregister
// exist for the server side (and tests); clients only discover and watch.
type Registry interface {
	Register(service string, ep Endpoint, ttl int64) error
	Deregister(service string, addr string) error
	Discover(service string) ([]Endpoint, error)
	Watch(service string) <-chan []Endpoint
}
