// Package debugapi exposes the agent's loopback-only read-only surface for
// craned-ctl and operators: a gin.Engine serving healthz and job snapshots.
// It is observability tooling, not a controller-facing API.
package debugapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crane-sched/craned/internal/craned/model"
)

// JobLister is satisfied by the Job Manager: enough to list and describe
// live jobs without exposing its internal state directly.
type JobLister interface {
	ListJobs() []JobSummary
	JobDetail(id model.JobId) (JobSummary, bool)
}

// JobSummary is the read-only view of a job served by the debug API.
type JobSummary struct {
	JobId     model.JobId      `json:"job_id"`
	Status    model.JobStatus  `json:"status"`
	StartedAt string           `json:"started_at,omitempty"`
	PID       int              `json:"pid,omitempty"`
}

// New builds the gin.Engine. It must only ever be bound to a loopback
// address by the caller.
func New(lister JobLister) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/jobs", func(c *gin.Context) {
		c.JSON(http.StatusOK, lister.ListJobs())
	})
	r.GET("/jobs/:id", func(c *gin.Context) {
		id, err := parseJobID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		job, ok := lister.JobDetail(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusOK, job)
	})
	return r
}
