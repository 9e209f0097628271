package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/record-gateway/internal/backendsim"
	"github.com/Sternrassler/record-gateway/internal/config"
	"github.com/Sternrassler/record-gateway/pkg/records"
)

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Simulator
	}{
		{name: "memory", cfg: config.Simulator{Store: "memory"}},
		{name: "sqlite", cfg: config.Simulator{Store: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "sim.db")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closeStore, err := openStore(tt.cfg)
			if err != nil {
				t.Fatalf("openStore() error = %v", err)
			}
			defer closeStore()

			srv := httptest.NewServer(newHandler(store, backendsim.Options{}))
			defer srv.Close()

			body, _ := json.Marshal(records.Record{"name": "x"})
			resp, err := http.Post(srv.URL+records.ObjectPath("object_1"), "application/json", bytes.NewReader(body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("create status = %d", resp.StatusCode)
			}

			resp, err = http.Get(srv.URL + records.ObjectPath("object_1"))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var page records.Page
			if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
				t.Fatal(err)
			}
			if page.TotalRecords != 1 {
				t.Errorf("total_records = %d, want 1", page.TotalRecords)
			}
		})
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	srv := httptest.NewServer(newHandler(backendsim.NewMemoryStore(), backendsim.Options{}))
	defer srv.Close()

	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
