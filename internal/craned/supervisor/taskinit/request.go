// Package taskinit defines the JSON protocol between the supervisor
// runtime and its craned-task-init helper: the small privileged program
// that performs the user process's final pre-exec setup (privilege drop,
// fd plumbing, optional seccomp) and execve.
package taskinit

// Request is decoded by craned-task-init from its stdin.
type Request struct {
	WorkDir string   `json:"work_dir"`
	Argv    []string `json:"argv"`
	Env     []string `json:"env"`

	Uid               uint32   `json:"uid"`
	Gid               uint32   `json:"gid"`
	SupplementaryGids []uint32 `json:"supplementary_gids"`

	StdinPath  string `json:"stdin_path"`
	StdoutPath string `json:"stdout_path"`
	StderrPath string `json:"stderr_path"`

	// StdioFD, when >= 0, is inherited as fds 0,1,2 instead of the Std*
	// paths above: used for interactive-run without a pty (a connected
	// socketpair) and for pty slaves.
	StdioFD int `json:"stdio_fd"`

	SeccompProfile string `json:"seccomp_profile"`

	// MigrationAckFD, when >= 0, is an inherited pipe fd craned-task-init
	// blocks reading one byte from before proceeding past setup into
	// exec. The supervisor writes that byte only once it has migrated
	// this process into its cgroups, so the user command never runs
	// outside its resource and device container.
	MigrationAckFD int `json:"migration_ack_fd"`
}
