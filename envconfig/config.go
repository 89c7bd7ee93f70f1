package envconfig

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var (
	// Set via GRAPHSCHED_DEBUG in the environment
	Debug bool
	// Set via GRAPHSCHED_COPY_GENERATIONS in the environment: the number of
	// rotating copy-buffer generations used to pipeline invocations
	CopyGenerations int
	// Set via GRAPHSCHED_CPU_WORKERS in the environment: worker goroutines
	// per CPU backend, 0 for one per core
	CPUWorkers int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"GRAPHSCHED_DEBUG":            {"GRAPHSCHED_DEBUG", Debug, "Show additional debug information (e.g. GRAPHSCHED_DEBUG=1)"},
		"GRAPHSCHED_COPY_GENERATIONS": {"GRAPHSCHED_COPY_GENERATIONS", CopyGenerations, "Number of copy-buffer generations for pipelined invocations (default 2)"},
		"GRAPHSCHED_CPU_WORKERS":      {"GRAPHSCHED_CPU_WORKERS", CPUWorkers, "Worker goroutines per CPU backend (default: number of cores)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = os.Getenv(v.Name)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	// default values
	CopyGenerations = 2
	CPUWorkers = runtime.NumCPU()

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("GRAPHSCHED_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if generations := clean("GRAPHSCHED_COPY_GENERATIONS"); generations != "" {
		n, err := strconv.Atoi(generations)
		if err != nil || n < 1 {
			slog.Error("invalid setting, ignoring", "GRAPHSCHED_COPY_GENERATIONS", generations)
		} else {
			CopyGenerations = n
		}
	}

	if workers := clean("GRAPHSCHED_CPU_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil || n < 0 {
			slog.Error("invalid setting, ignoring", "GRAPHSCHED_CPU_WORKERS", workers)
		} else if n == 0 {
			CPUWorkers = runtime.NumCPU()
		} else {
			CPUWorkers = n
		}
	}
}
