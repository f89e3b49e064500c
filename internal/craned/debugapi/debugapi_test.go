package debugapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crane-sched/craned/internal/craned/model"
)

type fakeLister struct {
	jobs map[model.JobId]JobSummary
}

func (f fakeLister) ListJobs() []JobSummary {
	out := make([]JobSummary, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f fakeLister) JobDetail(id model.JobId) (JobSummary, bool) {
	j, ok := f.jobs[id]
	return j, ok
}

func TestHealthz(t *testing.T) {
	engine := New(fakeLister{jobs: map[model.JobId]JobSummary{}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	lister := fakeLister{jobs: map[model.JobId]JobSummary{
		7: {JobId: 7, Status: model.JobStatusRunning, PID: 1234},
	}}
	engine := New(lister)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []JobSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].JobId != 7 {
		t.Fatalf("unexpected jobs list: %+v", got)
	}
}

func TestJobDetailNotFound(t *testing.T) {
	engine := New(fakeLister{jobs: map[model.JobId]JobSummary{}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/42", nil)
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestJobDetailFound(t *testing.T) {
	lister := fakeLister{jobs: map[model.JobId]JobSummary{
		42: {JobId: 42, Status: model.JobStatusCompleted},
	}}
	engine := New(lister)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/42", nil)
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got JobSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.JobId != 42 || got.Status != model.JobStatusCompleted {
		t.Fatalf("unexpected job detail: %+v", got)
	}
}

func TestJobDetailInvalidID(t *testing.T) {
	engine := New(fakeLister{jobs: map[model.JobId]JobSummary{}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/not-a-number", nil)
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-numeric job id, got %d", rec.Code)
	}
}
