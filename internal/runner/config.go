package runner

import "time"

// Config holds the per-task runner tuning knobs.
type Config struct {
	UseTransaction bool `yaml:"use_transaction"`
	// SkipOffsetGaps only applies to the integer-offset flavor. The
	// runner does not read it: no gap check is made.
	SkipOffsetGaps bool `yaml:"skip_offset_gaps"`
	// HandoffConditionTimeout is not read by the runner: publish does
	// not wait for segment handoff.
	HandoffConditionTimeout             time.Duration `yaml:"handoff_condition_timeout"`
	IntermediateHandoffPeriod           time.Duration `yaml:"intermediate_handoff_period"`
	MaxParseExceptions                  int           `yaml:"max_parse_exceptions"`
	LogParseExceptions                  bool          `yaml:"log_parse_exceptions"`
	ResetOffsetAutomatically            bool          `yaml:"reset_offset_automatically"`
	SkipSequenceNumberAvailabilityCheck bool          `yaml:"skip_sequence_number_availability_check"`
	// SkipSegmentLineageCheck is true for the integer-offset flavor,
	// false for the opaque-sequence flavor.
	SkipSegmentLineageCheck bool `yaml:"-"`

	PollTimeout time.Duration `yaml:"-"`
}

// RegisterFlagsAndApplyDefaults fills in defaults for any zero-valued field.
func (c *Config) RegisterFlagsAndApplyDefaults(string) {
	if c.MaxParseExceptions == 0 {
		c.MaxParseExceptions = 2 << 30 // effectively unbounded unless set
	}
	if c.IntermediateHandoffPeriod == 0 {
		c.IntermediateHandoffPeriod = 15 * time.Minute
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
}

const (
	pauseAckTimeout   = 2 * time.Second
	resumeAckTimeout  = 5 * time.Second
)
