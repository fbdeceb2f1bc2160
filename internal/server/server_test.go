package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"packdesk/internal/config"
	"packdesk/internal/db"
	"packdesk/internal/engine"
	"packdesk/internal/exclusivity"
	"packdesk/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, exclusivity.NewSQLite(conn))
	for _, name := range []string{"brave-otter", "calm-finch"} {
		if _, err := e.CreateMachine(context.Background(), name, 5, "", "tester"); err != nil {
			t.Fatalf("seed machine %s: %v", name, err)
		}
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyHolderHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func holderHeaders(id, name string) map[string]string {
	return map[string]string{"X-Holder-Id": id, "X-Holder-Name": name}
}

func TestHealthNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/packer/assign", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestPackerFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	sam := holderHeaders("u1", "Sam")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/packer/assign", map[string]any{}, sam)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	var assigned AssignResponse
	if err := json.Unmarshal(data, &assigned); err != nil {
		t.Fatalf("unmarshal assign: %v", err)
	}
	if assigned.Machine.Name != "brave-otter" {
		t.Fatalf("assigned %q, want brave-otter", assigned.Machine.Name)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/packer/check-out", map[string]any{
		"machine_name": assigned.Machine.Name,
		"condition":    4,
		"battery":      90,
		"task":         "work",
	}, sam)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("check-out status %d: %s", res.StatusCode, string(data))
	}
	var entry LogEntryResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if !entry.Active || entry.Task != "work" {
		t.Fatalf("entry = %+v", entry)
	}

	// Another worker cannot take the same machine.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/packer/check-out", map[string]any{
		"machine_name": assigned.Machine.Name,
		"condition":    5,
		"battery":      100,
		"task":         "eat",
	}, holderHeaders("u2", "Alex"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("conflict status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "machine_already_assigned" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/packer/assignment", nil, sam)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assignment status %d: %s", res.StatusCode, string(data))
	}
	var current AssignmentResponse
	_ = json.Unmarshal(data, &current)
	if current.MachineName != "brave-otter" || current.Task != "work" {
		t.Fatalf("assignment = %+v", current)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/packer/check-in", map[string]any{
		"machine_name": assigned.Machine.Name,
		"condition":    3,
		"battery":      20,
		"note":         "done for today",
	}, sam)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check-in status %d: %s", res.StatusCode, string(data))
	}
	var checkin CheckInResponse
	if err := json.Unmarshal(data, &checkin); err != nil {
		t.Fatalf("unmarshal check-in: %v", err)
	}
	if checkin.Partial {
		t.Fatalf("unexpected partial check-in")
	}
	if checkin.Entry.Active || checkin.Entry.Task != "work" {
		t.Fatalf("entry = %+v", checkin.Entry)
	}
}

func TestCheckInWithoutAssignment(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/packer/check-in", map[string]any{
		"machine_name": "brave-otter",
		"condition":    5,
		"battery":      50,
	}, holderHeaders("u1", "Sam"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "not_assigned" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestMissingFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	sam := holderHeaders("u1", "Sam")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/packer/missing", map[string]any{
		"machine_name": "brave-otter",
	}, sam)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("missing status %d: %s", res.StatusCode, string(data))
	}
	var missing ReportMissingResponse
	if err := json.Unmarshal(data, &missing); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if missing.Machine.Name != "calm-finch" {
		t.Fatalf("replacement %q, want calm-finch", missing.Machine.Name)
	}
	if len(missing.Exclude) != 1 || missing.Exclude[0] != "brave-otter" {
		t.Fatalf("exclude = %v", missing.Exclude)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/reports/missing", nil, sam)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", res.StatusCode, string(data))
	}
	var reports []MissingReportResponse
	if err := json.Unmarshal(data, &reports); err != nil {
		t.Fatalf("unmarshal reports: %v", err)
	}
	if len(reports) != 1 || reports[0].MachineName != "brave-otter" {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestInvalidPromptRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/packer/check-out", map[string]any{
		"machine_name": "brave-otter",
		"condition":    4,
		"battery":      90,
		"task":         "juggle",
	}, holderHeaders("u1", "Sam"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestActivityReport(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/packer/check-out", map[string]any{
		"machine_name": "brave-otter",
		"condition":    5,
		"battery":      100,
		"task":         "work",
	}, holderHeaders("u1", "Sam"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("check-out status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/reports/activity", nil, holderHeaders("u2", "Alex"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activity status %d: %s", res.StatusCode, string(data))
	}
	var report ActivityReportResponse
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if len(report.Active) != 1 || report.Active[0].MachineName != "brave-otter" {
		t.Fatalf("active = %+v", report.Active)
	}
	if len(report.Idle) != 1 || report.Idle[0] != "calm-finch" {
		t.Fatalf("idle = %v", report.Idle)
	}
}
