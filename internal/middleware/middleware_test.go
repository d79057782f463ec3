package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecovery(t *testing.T) {
	h := Logging(Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), `"error"`) {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestLoggingAttachesLogger(t *testing.T) {
	var inside bool
	h := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inside = r.Context().Value(loggerKey) != nil
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !inside || rec.Code != http.StatusTeapot {
		t.Fatalf("logger attached = %v, status = %d", inside, rec.Code)
	}
	if Logger(httptest.NewRequest(http.MethodGet, "/", nil).Context()) == nil {
		t.Fatal("no fallback logger")
	}
}
