package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type fakeGateway struct {
	mux *http.ServeMux

	mu       sync.Mutex
	requests []string
	bodies   []string
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	t.Helper()
	g := &fakeGateway{mux: http.NewServeMux()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		g.mu.Lock()
		g.requests = append(g.requests, r.Method+" "+r.URL.Path)
		g.bodies = append(g.bodies, string(body))
		g.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		g.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGateway) last() (request, body string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		return "", ""
	}
	return g.requests[len(g.requests)-1], g.bodies[len(g.bodies)-1]
}

func (g *fakeGateway) respond(pattern string, status int, v any) {
	g.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	})
}

func runCLI(t *testing.T, api string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--api", api}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected %q in output:\n%s", needle, haystack)
	}
}

func TestTasksList(t *testing.T) {
	g, srv := newFakeGateway(t)
	g.respond("GET /api/v1/tasks", http.StatusOK, []map[string]any{
		{"task_id": 0, "type": "GET", "level": "STUDY", "PatientName": "DOE^JANE", "PatientID": "P1",
			"source": "CT01", "destination": "LOCAL", "status": "active", "progress": "40%", "imgs": "120"},
		{"task_id": 1, "type": "MOVE", "level": "SERIES", "PatientName": "ROE^RICHARD",
			"source": "CT01", "destination": "ARCHIVE", "status": "failed", "progress": "0%"},
	})

	out, err := runCLI(t, srv.URL, "tasks", "list")
	if err != nil {
		t.Fatalf("tasks list: %v", err)
	}
	requireContains(t, out, "DOE^JANE (P1)")
	requireContains(t, out, "ROE^RICHARD")
	requireContains(t, out, "40%")

	out, err = runCLI(t, srv.URL, "tasks", "list", "--status", "FAILED")
	if err != nil {
		t.Fatalf("tasks list --status: %v", err)
	}
	if strings.Contains(out, "DOE^JANE") {
		t.Fatalf("status filter kept active task:\n%s", out)
	}
	requireContains(t, out, "ROE^RICHARD")
}

func TestTasksManageAndAdd(t *testing.T) {
	g, srv := newFakeGateway(t)
	g.mux.HandleFunc("POST /api/v1/tasks/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "9" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"task not found"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	g.respond("POST /api/v1/tasks", http.StatusCreated, map[string]int{"task_id": 4})

	out, err := runCLI(t, srv.URL, "tasks", "rush", "3")
	if err != nil {
		t.Fatalf("tasks rush: %v", err)
	}
	requireContains(t, out, "Task 3: rush requested")
	if got, _ := g.last(); got != "POST /api/v1/tasks/3/rush" {
		t.Fatalf("request = %q", got)
	}

	_, err = runCLI(t, srv.URL, "tasks", "delete", "9")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Message != "task not found" {
		t.Fatalf("delete unknown task: %v", err)
	}

	if _, err := runCLI(t, srv.URL, "tasks", "pause", "x"); err == nil {
		t.Fatal("expected invalid id error")
	}

	out, err = runCLI(t, srv.URL, "tasks", "add", "--type", "move", "--level", "series",
		"--source", "CT01", "--destination", "ARCHIVE", "--study", "1.2.3", "--series", "1.2.3.4")
	if err != nil {
		t.Fatalf("tasks add: %v", err)
	}
	requireContains(t, out, "Created task 4")
	var sent map[string]string
	_, body := g.last()
	if err := json.Unmarshal([]byte(body), &sent); err != nil {
		t.Fatal(err)
	}
	if sent["type"] != "MOVE" || sent["level"] != "SERIES" || sent["SeriesInstanceUID"] != "1.2.3.4" {
		t.Fatalf("request body = %v", sent)
	}
}

func TestDevicesEcho(t *testing.T) {
	g, srv := newFakeGateway(t)
	g.respond("POST /api/v1/devices/CT01/echo", http.StatusOK, map[string]any{
		"device": "CT01", "status": 0, "success": true, "response_time_ms": 12,
	})
	g.respond("POST /api/v1/devices/MR01/echo", http.StatusOK, map[string]any{
		"device": "MR01", "status": -1, "success": false,
	})

	out, err := runCLI(t, srv.URL, "devices", "echo", "CT01")
	if err != nil {
		t.Fatalf("echo CT01: %v", err)
	}
	requireContains(t, out, "CT01: ok (status 0x0000, 12 ms)")

	out, err = runCLI(t, srv.URL, "devices", "echo", "MR01")
	if err == nil {
		t.Fatal("expected failed echo to return an error")
	}
	requireContains(t, out, "status 0xFFFF")
}

func TestCheckStorage(t *testing.T) {
	g, srv := newFakeGateway(t)
	g.respond("POST /api/v1/check-storage", http.StatusOK, map[string]any{
		"device": "CT01",
		"dates":  "20240304",
		"missing": []map[string]string{
			{"PatientName": "DOE^JANE", "SeriesNumber": "3", "SeriesDescription": "AX T1", "ImgsSeries": "22", "SeriesInstanceUID": "1.2.3.4"},
		},
		"ignored":  []map[string]string{{"SeriesInstanceUID": "1.2.3.5", "SeriesDescription": "SCOUT", "reason": "exclusion rule"}},
		"archived": 7,
		"tasks":    map[string]any{"task_ids": []int{5}},
	})

	out, err := runCLI(t, srv.URL, "check-storage", "CT01", "--date", "yesterday", "--move-to", "ARCHIVE", "--show-ignored")
	if err != nil {
		t.Fatalf("check-storage: %v", err)
	}
	requireContains(t, out, "CT01, 20240304: 1 missing, 7 archived, 1 ignored")
	requireContains(t, out, "AX T1")
	requireContains(t, out, "SCOUT")
	requireContains(t, out, "Created 1 MOVE tasks to ARCHIVE")

	var sent checkStorageRequest
	_, body := g.last()
	if err := json.Unmarshal([]byte(body), &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Device != "CT01" || sent.Date != "yesterday" || sent.MoveTo != "ARCHIVE" {
		t.Fatalf("request = %+v", sent)
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"only"}}, []columnAlignment{alignLeft, alignRight})
	requireContains(t, out, "only")
	if renderTable(nil, nil, nil) != "" {
		t.Fatal("expected empty table for no headers")
	}
}
