package docker

import (
	"strings"
	"time"

	"bulkjob/internal/config"
)

// InputMount is where the input directory appears inside task containers.
const InputMount = "/input"

// Config holds configuration for the container executor.
type Config struct {
	Image       string        // task image running bulkjob-task
	Command     []string      // overrides the image command when set
	OperationID string        // labels containers of one logical write
	InputDir    string        // host directory bind-mounted read-only at InputMount
	InputFile   string        // file name inside InputDir handed to every task
	Env         []string      // extra KEY=value entries (bulk API and batch settings)
	ExtraHosts  []string      // e.g. ["bulk.test:host-gateway"]
	CPU         float64       // cores per task, zero for unlimited
	MemoryMB    int           // per task, zero for unlimited
	Parallelism int           // concurrent containers, zero runs all at once
	StopTimeout time.Duration // grace period when a run is cancelled
	Keep        bool          // leave exited containers for inspection
}

// LoadConfigFromEnv reads TASK_* and EXTRA_HOSTS.
func LoadConfigFromEnv() Config {
	var extraHosts []string
	if hosts := config.GetEnv("EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}
	return Config{
		Image:       config.GetEnv("TASK_IMAGE", "bulkjob-task:latest"),
		ExtraHosts:  extraHosts,
		CPU:         config.GetFloatEnv("TASK_CPU", 0),
		MemoryMB:    config.GetIntEnv("TASK_MEMORY_MB", 0),
		Parallelism: config.GetIntEnv("TASK_PARALLELISM", 0),
		StopTimeout: config.GetDurationEnv("TASK_STOP_TIMEOUT", 10*time.Second),
		Keep:        config.GetBoolEnv("TASK_KEEP_CONTAINERS", false),
	}
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "bulkjob-task:latest"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}
