package browser

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

// Instance is a pooled driver session: its public record plus the handle used to drive it
type Instance struct {
	models.BrowserInstance
	Driver Driver
}

// Provisioner stands up and tears down driver sessions
type Provisioner interface {
	Provision(ctx context.Context, id string) (Instance, error)
	Destroy(ctx context.Context, inst Instance) error
}

// StaticProvisioner hands out a fixed set of already running driver endpoints
type StaticProvisioner struct {
	mu        sync.Mutex
	endpoints []string
	inUse     map[string]string // endpoint -> instance id
	client    *http.Client
}

// NewStaticProvisioner creates a provisioner over endpoints
func NewStaticProvisioner(endpoints []string, client *http.Client) *StaticProvisioner {
	return &StaticProvisioner{
		endpoints: append([]string(nil), endpoints...),
		inUse:     make(map[string]string),
		client:    client,
	}
}

// Provision claims the first free endpoint
func (s *StaticProvisioner) Provision(ctx context.Context, id string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ep := range s.endpoints {
		if _, taken := s.inUse[ep]; taken {
			continue
		}
		s.inUse[ep] = id
		return Instance{
			BrowserInstance: models.BrowserInstance{
				ID:        id,
				Status:    models.InstanceAvailable,
				Endpoint:  ep,
				CreatedAt: time.Now(),
			},
			Driver: NewHTTPDriver(ep, s.client),
		}, nil
	}

	return Instance{}, fmt.Errorf("no free driver endpoint (%d configured)", len(s.endpoints))
}

// Destroy returns the endpoint to the free list
func (s *StaticProvisioner) Destroy(ctx context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.inUse[inst.Endpoint]; ok && owner == inst.ID {
		delete(s.inUse, inst.Endpoint)
		return nil
	}
	return fmt.Errorf("endpoint %s is not held by instance %s", inst.Endpoint, inst.ID)
}
