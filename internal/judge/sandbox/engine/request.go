package engine

// HelperFD is the descriptor on which sandbox-init reads its HelperRequest.
const HelperFD = 3

// HelperRequest is the JSON document passed to sandbox-init. Stdin, stdout and
// stderr of the helper already belong to the submission.
type HelperRequest struct {
	Cmd            []string     `json:"cmd"`
	Env            []string     `json:"env"`
	WorkDir        string       `json:"workDir"`
	Limits         HelperLimits `json:"limits"`
	SeccompProfile string       `json:"seccompProfile,omitempty"`
}

// HelperLimits are the rlimits the helper applies to itself before exec.
// Memory is bounded by the cgroup and the RSS monitor, not RLIMIT_AS.
type HelperLimits struct {
	CPUTimeSec uint64 `json:"cpuTimeSec,omitempty"`
	StackBytes uint64 `json:"stackBytes,omitempty"`
	FileBytes  uint64 `json:"fileBytes,omitempty"`
	Processes  uint64 `json:"processes,omitempty"`
}
