// Package consulreg registers and discovers Nomad-backed deployment
// endpoints in Consul, so the Nomad provider backend can resolve a job to
// a reachable address and have it health-checked by the rest of the fleet.
package consulreg

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// Client wraps the Consul API client with the handful of operations the
// Nomad provider backend needs: register/deregister a service per
// deployment endpoint, and look up its address once healthy.
type Client struct {
	api *consulapi.Client
}

// NewClient connects to the Consul agent at addr.
func NewClient(addr string) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Client{api: client}, nil
}

// Healthy checks connectivity to Consul.
func (c *Client) Healthy() error {
	_, err := c.api.Status().Leader()
	return err
}

// RegisterOpts describes the service registration for one deployment
// endpoint.
type RegisterOpts struct {
	ServiceID string
	Name      string
	Address   string
	Port      int
	Tags      []string
	// HTTPCheckPath, if non-empty, registers a Consul HTTP health check
	// against http://Address:Port/HTTPCheckPath on a 10s interval.
	HTTPCheckPath string
}

// Register registers a service instance for a deployment endpoint so it
// can be discovered and health-checked.
func (c *Client) Register(opts RegisterOpts) error {
	reg := &consulapi.AgentServiceRegistration{
		ID:      opts.ServiceID,
		Name:    opts.Name,
		Address: opts.Address,
		Port:    opts.Port,
		Tags:    opts.Tags,
	}
	if opts.HTTPCheckPath != "" {
		reg.Check = &consulapi.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s:%d%s", opts.Address, opts.Port, opts.HTTPCheckPath),
			Interval: "10s",
			Timeout:  "5s",
		}
	}
	return c.api.Agent().ServiceRegister(reg)
}

// Deregister removes a service instance, called when a deployment is
// deleted or its Nomad job is stopped.
func (c *Client) Deregister(serviceID string) error {
	return c.api.Agent().ServiceDeregister(serviceID)
}

// Address is a resolved, healthy service instance.
type Address struct {
	Address string
	Port    int
}

// ResolveHealthy returns the addresses of healthy instances of a service,
// used to synthesize an endpoint URL for a Nomad-backed deployment.
func (c *Client) ResolveHealthy(serviceName string) ([]Address, error) {
	entries, _, err := c.api.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Address, 0, len(entries))
	for _, e := range entries {
		addr := e.Service.Address
		if addr == "" {
			addr = e.Node.Address
		}
		out = append(out, Address{Address: addr, Port: e.Service.Port})
	}
	return out, nil
}
