// Package archive implements the optional job-output archiver: once a job
// reaches a terminal state, its resolved stdout/stderr files are uploaded
// to a configured MinIO bucket, keyed by JobId, for durable retention
// beyond the status report itself.
package archive

import (
	"context"
	"fmt"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/crane-sched/craned/internal/craned/logging"
	"github.com/crane-sched/craned/internal/craned/model"
)

// Config controls the archiver's target bucket and credentials.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Archiver uploads a completed job's stdout/stderr to object storage.
type Archiver struct {
	client *minio.Client
	bucket string
}

// New constructs an Archiver from cfg.
func New(cfg Config) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("construct minio client: %w", err)
	}
	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

// Archive uploads stdoutPath and stderrPath (either may be empty, meaning
// stderr was merged into stdout) under "<JobId>/stdout" and
// "<JobId>/stderr". Failures are logged and swallowed: archiving is
// best-effort and must never block status reporting.
func (a *Archiver) Archive(ctx context.Context, job model.JobId, stdoutPath, stderrPath string) {
	a.uploadOne(ctx, job, "stdout", stdoutPath)
	if stderrPath != "" && stderrPath != stdoutPath {
		a.uploadOne(ctx, job, "stderr", stderrPath)
	}
}

func (a *Archiver) uploadOne(ctx context.Context, job model.JobId, name, path string) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		logging.Warn(ctx, "archive: open output file failed", jobField(job))
		return
	}
	defer f.Close()

	key := fmt.Sprintf("%d/%s", uint32(job), name)
	if _, err := a.client.PutObject(ctx, a.bucket, key, f, info.Size(), minio.PutObjectOptions{}); err != nil {
		logging.Warn(ctx, "archive: upload failed", jobField(job))
	}
}
