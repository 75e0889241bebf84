// Package registry registers the relay with Consul so load balancers can
// discover healthy instances.
package registry

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/hashicorp/consul/api"
)

// ConsulRegistry handles service registration with Consul.
type ConsulRegistry struct {
	client    *api.Client
	serviceID string
	port      int
}

// NewConsulRegistry connects to the Consul agent at addr.
func NewConsulRegistry(addr, relayID, relayPort string) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(relayPort)
	if err != nil {
		log.Printf("Warning: failed to parse relay port, using default 8080: %v", err)
		port = 8080
	}

	return &ConsulRegistry{client: client, serviceID: relayID, port: port}, nil
}

// Register registers this relay with Consul.
func (c *ConsulRegistry) Register() error {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: failed to get hostname, using localhost: %v", err)
		hostname = "localhost"
	}

	registration := &api.AgentServiceRegistration{
		ID:      c.serviceID,
		Name:    "chai-relay",
		Port:    c.port,
		Address: hostname,
		Tags:    []string{"relay", "websocket"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", hostname, c.port),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: map[string]string{
			"relay_id": c.serviceID,
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return err
	}
	log.Printf("[registry] registered with Consul: %s", c.serviceID)
	return nil
}

// Deregister removes this relay from Consul.
func (c *ConsulRegistry) Deregister() error {
	if err := c.client.Agent().ServiceDeregister(c.serviceID); err != nil {
		return err
	}
	log.Printf("[registry] deregistered from Consul: %s", c.serviceID)
	return nil
}
