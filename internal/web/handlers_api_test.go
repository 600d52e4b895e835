package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/coordinator"
	"zstack-go-home/internal/store"
	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
)

// stubCoordinator serves canned network info and backups.
type stubCoordinator struct {
	events    *coordinator.EventBus
	store     store.Store
	next      *backup.Backup
	backupErr error
}

func (c *stubCoordinator) Events() *coordinator.EventBus { return c.events }
func (c *stubCoordinator) Store() store.Store            { return c.store }

func (c *stubCoordinator) NetworkInfo() map[string]interface{} {
	return map[string]interface{}{
		"started": true,
		"channel": 15,
		"pan_id":  "0x1A62",
		"state":   "running",
	}
}

func (c *stubCoordinator) CreateBackup(context.Context) (*backup.Backup, error) {
	if c.backupErr != nil {
		return nil, c.backupErr
	}
	if err := c.store.SaveBackup(c.next); err != nil {
		return nil, err
	}
	return c.next, nil
}

func (c *stubCoordinator) RemoveDevice(ieee structs.IEEEAddr) error {
	return c.store.DeleteDevice(fmt.Sprintf("%016X", ieee[:]))
}

func testBackup(pan uint16, created time.Time) *backup.Backup {
	product := znp.ZStack3x0
	return &backup.Backup{
		StackVersion: &product,
		NetworkOptions: backup.NetworkOptions{
			PanID:         pan,
			ExtendedPanID: structs.ExtPanID{0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd, 0xdd},
			ChannelList:   []uint8{15},
			NetworkKey:    structs.Key{1, 3, 5, 7, 9, 11, 13, 15, 0, 2, 4, 6, 8, 10, 12, 13},
		},
		LogicalChannel: 15,
		FrameCounter:   9000,
		SecurityLevel:  5,
		CreatedAt:      created,
	}
}

func setupTestServer(t *testing.T, apiKey string, opts ...ServerOption) (*Server, *stubCoordinator, *store.BoltStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	coord := &stubCoordinator{
		events: coordinator.NewEventBus(logger),
		store:  db,
		next:   testBackup(0x1a62, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(coord, logger, opts...)
	t.Cleanup(func() { srv.Stop() })

	return srv, coord, db
}

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPINetworkInfo(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := serve(srv, "GET", "/api/network")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var info map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info["pan_id"] != "0x1A62" {
		t.Errorf("pan_id = %v", info["pan_id"])
	}
}

func TestAPIListBackups(t *testing.T) {
	srv, _, db := setupTestServer(t, "")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, pan := range []uint16{0x1001, 0x1002} {
		if err := db.SaveBackup(testBackup(pan, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	w := serve(srv, "GET", "/api/backups")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var records []store.BackupRecord
	if err := json.NewDecoder(w.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("record count = %d, want 2", len(records))
	}
	if records[0].PanID != 0x1002 || !records[0].Latest {
		t.Errorf("first record = %+v, want latest 0x1002", records[0])
	}
}

func TestAPICreateBackup(t *testing.T) {
	srv, _, db := setupTestServer(t, "")

	w := serve(srv, "POST", "/api/backups")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var doc backup.UnifiedDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.PanID != "1a62" {
		t.Errorf("pan_id = %q, want 1a62", doc.PanID)
	}
	if doc.NetworkKey.FrameCounter != 9000 {
		t.Errorf("frame counter = %d, want 9000", doc.NetworkKey.FrameCounter)
	}
	if _, err := db.LoadBackup(); err != nil {
		t.Errorf("backup not stored: %v", err)
	}
}

func TestAPICreateBackupNotCommissioned(t *testing.T) {
	srv, coord, _ := setupTestServer(t, "")
	coord.backupErr = backup.ErrNotCommissioned

	w := serve(srv, "POST", "/api/backups")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestAPILatestBackup(t *testing.T) {
	srv, _, db := setupTestServer(t, "")

	if w := serve(srv, "GET", "/api/backups/latest"); w.Code != http.StatusNotFound {
		t.Fatalf("empty store status = %d, want %d", w.Code, http.StatusNotFound)
	}

	if err := db.SaveBackup(testBackup(0x1a62, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))); err != nil {
		t.Fatal(err)
	}
	w := serve(srv, "GET", "/api/backups/latest")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	want := `attachment; filename="coordinator_backup_20240301T120000Z.json"`
	if got := w.Header().Get("Content-Disposition"); got != want {
		t.Errorf("Content-Disposition = %q, want %q", got, want)
	}
	body, _ := io.ReadAll(w.Body)
	b, err := backup.ParseDocument(body)
	if err != nil {
		t.Fatal(err)
	}
	if b.NetworkOptions.PanID != 0x1a62 {
		t.Errorf("pan_id = 0x%04X", b.NetworkOptions.PanID)
	}
}

func TestAPIGetAndDeleteBackup(t *testing.T) {
	srv, _, db := setupTestServer(t, "")
	if err := db.SaveBackup(testBackup(0x2222, time.Time{})); err != nil {
		t.Fatal(err)
	}
	list, err := db.ListBackups()
	if err != nil {
		t.Fatal(err)
	}
	id := list[0].ID

	if w := serve(srv, "GET", "/api/backups/"+id); w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := serve(srv, "DELETE", "/api/backups/"+id); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := serve(srv, "GET", "/api/backups/"+id); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := serve(srv, "DELETE", "/api/backups/"+id); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIDevices(t *testing.T) {
	srv, _, db := setupTestServer(t, "")
	for _, ieee := range []string{"00124B0001020304", "00158D0011223344"} {
		if err := db.SaveDevice(&store.Device{IEEEAddress: ieee, NetworkAddress: 0x1111}); err != nil {
			t.Fatal(err)
		}
	}

	w := serve(srv, "GET", "/api/devices")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var devices []store.Device
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("device count = %d, want 2", len(devices))
	}

	if w := serve(srv, "DELETE", "/api/devices/00:12:4B:00:01:02:03:04"); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", w.Code, http.StatusOK)
	}
	if _, err := db.GetDevice("00124B0001020304"); err == nil {
		t.Error("device still registered after delete")
	}
	if w := serve(srv, "DELETE", "/api/devices/00124B0001020304"); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := serve(srv, "DELETE", "/api/devices/nothex"); w.Code != http.StatusBadRequest {
		t.Errorf("bad ieee status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret")

	if w := serve(srv, "GET", "/api/network"); w.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest("GET", "/api/network", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := setupTestServer(t, "", WithAllowedOrigins([]string{"http://ha.local"}))

	tests := []struct {
		origin string
		want   int
	}{
		{"http://ha.local", http.StatusNoContent},
		{"http://evil.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("OPTIONS", "/api/backups", nil)
		req.Header.Set("Origin", tt.origin)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("origin %s: status = %d, want %d", tt.origin, w.Code, tt.want)
		}
	}

	req := httptest.NewRequest("POST", "/api/backups", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("cross-origin POST status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "zstack_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv, _, _ := setupTestServer(t, "", WithMetrics(reg))
	w := serve(srv, "GET", "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "zstack_test_total 1") {
		t.Errorf("metrics body missing counter:\n%s", w.Body.String())
	}
}

func TestMetricsDisabled(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")
	if w := serve(srv, "GET", "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _, _ := setupTestServer(t, "", WithVersion("1.2.3"))

	w := serve(srv, "GET", "/api/version")
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q", resp["version"])
	}
}
