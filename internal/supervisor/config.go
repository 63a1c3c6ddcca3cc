package supervisor

import "time"

// Config holds the per-datasource supervisor tuning knobs.
type Config struct {
	Replicas  int `yaml:"replicas"`
	TaskCount int `yaml:"task_count"`

	TaskDuration       time.Duration `yaml:"task_duration"`
	CompletionTimeout  time.Duration `yaml:"completion_timeout"`
	StartDelay         time.Duration `yaml:"start_delay"`
	Period             time.Duration `yaml:"period"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`

	UseEarliestSequenceNumber bool `yaml:"use_earliest_sequence_number"`

	LateMessageRejectionPeriod  time.Duration `yaml:"late_message_rejection_period"`
	EarlyMessageRejectionPeriod time.Duration `yaml:"early_message_rejection_period"`

	ChatThreads int           `yaml:"chat_threads"`
	ChatRetries int           `yaml:"chat_retries"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// RecordsPerFetch/FetchDelayMillis are passed through to each
	// spawned task's opaque-sequence supplier configuration; they have
	// no effect on the integer-offset flavor.
	RecordsPerFetch  int `yaml:"records_per_fetch"`
	FetchDelayMillis int `yaml:"fetch_delay_millis"`
}

// RegisterFlagsAndApplyDefaults fills in defaults for any zero-valued
// field, matching internal/runner.Config's convention
// (cmd/tempo/app/config.go style, carried even with no CLI bootstrap).
func (c *Config) RegisterFlagsAndApplyDefaults(string) {
	if c.Replicas == 0 {
		c.Replicas = 1
	}
	if c.TaskCount == 0 {
		c.TaskCount = 1
	}
	if c.TaskDuration == 0 {
		c.TaskDuration = time.Hour
	}
	if c.CompletionTimeout == 0 {
		c.CompletionTimeout = 30 * time.Minute
	}
	if c.Period == 0 {
		c.Period = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 80 * time.Second
	}
	if c.ChatThreads == 0 {
		c.ChatThreads = 8
	}
	if c.ChatRetries == 0 {
		c.ChatRetries = 8
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.RecordsPerFetch == 0 {
		c.RecordsPerFetch = 4000
	}
	if c.FetchDelayMillis == 0 {
		c.FetchDelayMillis = 0
	}
}

// groupFor computes the stable task-group id for a partition as
// hash(partition) mod taskCount, the invariant behind partition-group
// stability across supervisor restarts.
func groupFor(p any, taskCount int) int {
	return int(hashPartitionID(p) % uint64(taskCount))
}
