package models_test

import (
	"encoding/json"
	"testing"

	"github.com/ritikr000/VM-Generator/internal/models"
)

func TestHostMemory_String(t *testing.T) {
	m := models.HostMemory{TotalMB: 3072, UsedMB: 512, FreeMB: 1536}
	want := "512 MiB used, 1.5 GiB free of 3.0 GiB"
	if got := m.String(); got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}

func TestHostMemory_StringZero(t *testing.T) {
	var m models.HostMemory
	if got := m.String(); got != "0 B used, 0 B free of 0 B" {
		t.Errorf("String on zero value: got %q", got)
	}
}

func TestLiveDomain_OmitsEmptyIP(t *testing.T) {
	d := models.LiveDomain{Name: "vm1", Status: models.StatusShutoff}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out["ip_address"]; ok {
		t.Errorf("ip_address should be omitted when empty, got %s", b)
	}
	if out["status"] != "Shutoff" {
		t.Errorf("status: got %v, want Shutoff", out["status"])
	}
}

func TestListing_OmitsEmptyWarnings(t *testing.T) {
	b, err := json.Marshal(models.Listing{Entries: []models.ReconciledEntry{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out["warnings"]; ok {
		t.Errorf("warnings should be omitted when empty, got %s", b)
	}
	if _, ok := out["entries"]; !ok {
		t.Errorf("entries should always be present, got %s", b)
	}
}
