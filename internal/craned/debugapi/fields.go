package debugapi

import (
	"strconv"

	"github.com/crane-sched/craned/internal/craned/model"
)

func parseJobID(s string) (model.JobId, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return model.JobId(v), nil
}
