package app

// Config holds everything an App instance needs to run.
type Config struct {
	// TopologyPath points at the .hcl topology file or directory. Empty
	// selects the built-in single-node topology.
	TopologyPath string

	// Steps is the number of scheduler steps to run; 0 runs until the
	// context is canceled.
	Steps int
	// Optimize applies the kernel-merging pass before scheduling.
	Optimize bool
	// Probes are field names printed after the run.
	Probes []string

	// WorkerNode, when set, runs this process as the named compute node
	// behind a transport server instead of driving the top graph.
	WorkerNode string
	// ListenAddr is the transport listen address in worker mode.
	ListenAddr string

	LogFormat string
	LogLevel  string
}
