package syncengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/fieldline/fieldsync/internal"
	"github.com/fieldline/fieldsync/syncengine"
	"github.com/fieldline/fieldsync/testutils"
)

func TestRegistryInit(t *testing.T) {
	store := testutils.NewMemoryStore()
	reg := syncengine.NewRegistry(store)

	dev, err := reg.Init(context.Background(), testUser, testDevice, testTeam)
	if err != nil {
		t.Fatalf("Init: %s", err)
	}
	if dev.Cursor == "" || !dev.Active {
		t.Fatalf("device not initialized: %+v", dev)
	}
	if err := syncengine.CheckCursorDevice(dev.Cursor, testDevice); err != nil {
		t.Fatalf("initial cursor not bound to the device: %s", err)
	}
}

func TestRegistryInitValidation(t *testing.T) {
	reg := syncengine.NewRegistry(testutils.NewMemoryStore())
	if _, err := reg.Init(context.Background(), "", testDevice, testTeam); err == nil {
		t.Fatalf("missing user id accepted")
	}
	if _, err := reg.Init(context.Background(), testUser, "", testTeam); err == nil {
		t.Fatalf("missing device id accepted")
	}
}

func TestRegistryReInitRotatesCursor(t *testing.T) {
	store := testutils.NewMemoryStore()
	reg := syncengine.NewRegistry(store)

	first, err := reg.Init(context.Background(), testUser, testDevice, testTeam)
	if err != nil {
		t.Fatalf("Init: %s", err)
	}
	// simulate an unhealthy, deactivated device
	d := store.Devices[testUser+"|"+testDevice]
	d.ConsecutiveFailures = 5
	d.Active = false

	second, err := reg.Init(context.Background(), testUser, testDevice, "")
	if err != nil {
		t.Fatalf("re-Init: %s", err)
	}
	if second.Cursor == first.Cursor {
		t.Fatalf("re-initialization must rotate the cursor")
	}
	if !second.Active || second.ConsecutiveFailures != 0 {
		t.Fatalf("re-initialization must reactivate and reset failures: %+v", second)
	}
	if second.TeamID != testTeam {
		t.Fatalf("empty team id on re-init must keep the recorded team, got %q", second.TeamID)
	}
}

func TestRegistryStatus(t *testing.T) {
	store := testutils.NewMemoryStore()
	reg := syncengine.NewRegistry(store)
	dev, err := reg.Init(context.Background(), testUser, testDevice, testTeam)
	if err != nil {
		t.Fatalf("Init: %s", err)
	}
	seedEntity(store, "job-1", internal.FamilyJob, 1, `{"state":"SCHEDULED"}`, time.Now().Add(-time.Hour))
	seedEntity(store, "te-1", internal.FamilyTimeEntry, 1, `{"minutes":30}`, time.Now().Add(-time.Hour))

	status, err := reg.Status(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Status: %s", err)
	}
	if status.DeviceID != testDevice || status.Cursor != dev.Cursor {
		t.Fatalf("status identity wrong: %+v", status)
	}
	// never synced: everything in team scope is pending download
	if status.PendingDownloadCount != 2 {
		t.Fatalf("PendingDownloadCount = %d, want 2", status.PendingDownloadCount)
	}
	if status.Health != internal.HealthHealthy {
		t.Fatalf("fresh device should be healthy, got %s", status.Health)
	}
}

func TestRegistryStatusHealth(t *testing.T) {
	testCases := []struct {
		failures int
		want     internal.DeviceHealth
	}{
		{0, internal.HealthHealthy},
		{1, internal.HealthDegraded},
		{2, internal.HealthDegraded},
		{3, internal.HealthUnhealthy},
		{10, internal.HealthUnhealthy},
	}
	for _, tc := range testCases {
		store := testutils.NewMemoryStore()
		reg := syncengine.NewRegistry(store)
		if _, err := reg.Init(context.Background(), testUser, testDevice, testTeam); err != nil {
			t.Fatalf("Init: %s", err)
		}
		store.Devices[testUser+"|"+testDevice].ConsecutiveFailures = tc.failures

		status, err := reg.Status(context.Background(), testDevice)
		if err != nil {
			t.Fatalf("Status: %s", err)
		}
		if status.Health != tc.want {
			t.Errorf("%d failures: health = %s, want %s", tc.failures, status.Health, tc.want)
		}
	}
}

func TestRegistryStatusUnknownDevice(t *testing.T) {
	reg := syncengine.NewRegistry(testutils.NewMemoryStore())
	_, err := reg.Status(context.Background(), "ghost-device")
	wantStatus(t, err, 404)
}
