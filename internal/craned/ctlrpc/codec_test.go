package ctlrpc

import (
	"testing"

	"github.com/crane-sched/craned/internal/craned/model"
)

func TestJSONCodecName(t *testing.T) {
	if (jsonCodec{}).Name() != "json" {
		t.Fatalf("expected content subtype %q", "json")
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}
	req := ExecuteTaskRequest{
		Job:  model.JobSpec{JobId: 9, Username: "alice", MemoryMB: 1024},
		Task: model.TaskSpec{JobId: 9, CmdLine: "echo hi"},
	}

	data, err := codec.Marshal(&req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded ExecuteTaskRequest
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Job.JobId != req.Job.JobId || decoded.Job.Username != req.Job.Username {
		t.Fatalf("round-trip mismatch: got %+v", decoded.Job)
	}
	if decoded.Task.CmdLine != req.Task.CmdLine {
		t.Fatalf("round-trip mismatch on task: got %+v", decoded.Task)
	}
}

func TestJSONCodecUnmarshalError(t *testing.T) {
	var decoded Ack
	if err := (jsonCodec{}).Unmarshal([]byte("not json"), &decoded); err == nil {
		t.Fatalf("expected error unmarshaling invalid JSON")
	}
}
