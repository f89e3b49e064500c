package archive

import (
	"go.uber.org/zap"

	"github.com/crane-sched/craned/internal/craned/model"
)

func jobField(id model.JobId) zap.Field {
	return zap.Uint32("job_id", uint32(id))
}
