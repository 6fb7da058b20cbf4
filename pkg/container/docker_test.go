package container

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/docker/api/types/network"
)

type fakeNetworkAPI struct {
	existing   map[string]bool
	inspectErr error
	createErr  error
	created    []network.CreateOptions
}

type notFoundError struct{ name string }

func (e notFoundError) Error() string { return "network " + e.name + " not found" }
func (e notFoundError) NotFound()     {}

func (f *fakeNetworkAPI) NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error) {
	if f.inspectErr != nil {
		return network.Inspect{}, f.inspectErr
	}
	if f.existing[networkID] {
		return network.Inspect{Name: networkID}, nil
	}
	return network.Inspect{}, notFoundError{name: networkID}
}

func (f *fakeNetworkAPI) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	if f.createErr != nil {
		return network.CreateResponse{}, f.createErr
	}
	f.created = append(f.created, options)
	f.existing[name] = true
	return network.CreateResponse{ID: "net-" + name}, nil
}

func TestEnsureNetworkCreatesMissingBridge(t *testing.T) {
	api := &fakeNetworkAPI{existing: map[string]bool{}}

	created, err := ensureNetwork(context.Background(), api, "mas-network")
	if err != nil {
		t.Fatalf("ensureNetwork() error = %v", err)
	}
	if !created {
		t.Error("missing network was not created")
	}
	if len(api.created) != 1 {
		t.Fatalf("created %d networks, want 1", len(api.created))
	}
	if api.created[0].Driver != "bridge" {
		t.Errorf("driver = %q, want bridge", api.created[0].Driver)
	}
	if api.created[0].Labels[LabelManaged] != "true" {
		t.Errorf("labels = %v, missing %s", api.created[0].Labels, LabelManaged)
	}
}

func TestEnsureNetworkExistingIsNoOp(t *testing.T) {
	api := &fakeNetworkAPI{existing: map[string]bool{"mas-network": true}}

	created, err := ensureNetwork(context.Background(), api, "mas-network")
	if err != nil {
		t.Fatalf("ensureNetwork() error = %v", err)
	}
	if created {
		t.Error("existing network was recreated")
	}
	if len(api.created) != 0 {
		t.Errorf("created %d networks, want 0", len(api.created))
	}
}

func TestEnsureNetworkEmptyNameSkipped(t *testing.T) {
	api := &fakeNetworkAPI{existing: map[string]bool{}}

	created, err := ensureNetwork(context.Background(), api, "")
	if err != nil {
		t.Fatalf("ensureNetwork() error = %v", err)
	}
	if created || len(api.created) != 0 {
		t.Error("empty network name must be a no-op")
	}
}

func TestEnsureNetworkInspectFailurePropagates(t *testing.T) {
	api := &fakeNetworkAPI{
		existing:   map[string]bool{},
		inspectErr: fmt.Errorf("daemon unreachable"),
	}

	if _, err := ensureNetwork(context.Background(), api, "mas-network"); err == nil {
		t.Fatal("inspect failure was swallowed")
	}
	if len(api.created) != 0 {
		t.Error("network created despite inspect failure")
	}
}
