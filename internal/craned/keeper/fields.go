package keeper

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/crane-sched/craned/internal/craned/model"
)

func jsonUnmarshal(data json.RawMessage, v interface{}) error {
	return json.Unmarshal(data, v)
}

func supervisorField(id model.JobId) zap.Field {
	return zap.Uint32("job_id", uint32(id))
}

func pidField(pid int) zap.Field {
	return zap.Int("pid", pid)
}
