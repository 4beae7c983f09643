package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

// fakeDriver answers health probes according to its healthy flag
type fakeDriver struct {
	mu      sync.Mutex
	healthy bool
	delay   time.Duration
}

func (d *fakeDriver) Do(ctx context.Context, req DoRequest) (*DoResponse, error) {
	return &DoResponse{Success: true}, nil
}

func (d *fakeDriver) Health(ctx context.Context) error {
	d.mu.Lock()
	healthy, delay := d.healthy, d.delay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func (d *fakeDriver) set(healthy bool) {
	d.mu.Lock()
	d.healthy = healthy
	d.mu.Unlock()
}

// fakeProvisioner creates fake drivers and can be told to fail
type fakeProvisioner struct {
	mu        sync.Mutex
	failEvery int // fail every Nth provision when > 0
	calls     int
	drivers   map[string]*fakeDriver
	destroyed []string
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{drivers: make(map[string]*fakeDriver)}
}

func (f *fakeProvisioner) Provision(ctx context.Context, id string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failEvery > 0 && f.calls%f.failEvery == 0 {
		return Instance{}, errors.New("container failed to start")
	}
	d := &fakeDriver{healthy: true}
	f.drivers[id] = d
	return Instance{
		BrowserInstance: models.BrowserInstance{ID: id, Endpoint: "fake://" + id},
		Driver:          d,
	}, nil
}

func (f *fakeProvisioner) Destroy(ctx context.Context, inst Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, inst.ID)
	delete(f.drivers, inst.ID)
	return nil
}

func (f *fakeProvisioner) driver(id string) *fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drivers[id]
}
