package supplier

import "time"

// BufferedConfig configures the opaque-sequence (Kinesis-like) Record
// Supplier flavor.
type BufferedConfig struct {
	// RecordBufferSize is the MPMC buffer capacity.
	RecordBufferSize int `yaml:"record_buffer_size"`
	// RecordsPerFetch bounds each GetRecords call.
	RecordsPerFetch int `yaml:"records_per_fetch"`
	// RecordBufferOfferTimeout bounds how long a fetcher waits to push
	// one record into a full buffer before rewinding.
	RecordBufferOfferTimeout time.Duration `yaml:"record_buffer_offer_timeout"`
	// RecordBufferFullWait is the reschedule delay after a buffer-full rewind.
	RecordBufferFullWait time.Duration `yaml:"record_buffer_full_wait"`
	// FetchDelay is the reschedule delay after a normal successful fetch.
	FetchDelay time.Duration `yaml:"fetch_delay_millis"`
	// ThroughputBackoff is the minimum backoff after a throughput-limit error.
	ThroughputBackoff time.Duration `yaml:"throughput_backoff_millis"`
	// ExceptionRetryDelay is the backoff after any other fetch error.
	ExceptionRetryDelay time.Duration `yaml:"exception_retry_delay_millis"`
	// FetchThreads is the fixed worker-pool size multiplexing all
	// per-partition fetchers.
	FetchThreads int `yaml:"fetch_threads"`
	// MaxRecordsPerPoll caps how many buffered records one Poll call drains.
	MaxRecordsPerPoll int `yaml:"max_records_per_poll"`
}

// RegisterFlagsAndApplyDefaults fills in defaults for any zero-valued
// field.
func (c *BufferedConfig) RegisterFlagsAndApplyDefaults(string) {
	if c.RecordBufferSize == 0 {
		c.RecordBufferSize = 10000
	}
	if c.RecordsPerFetch == 0 {
		c.RecordsPerFetch = 1000
	}
	if c.RecordBufferOfferTimeout == 0 {
		c.RecordBufferOfferTimeout = 2 * time.Second
	}
	if c.RecordBufferFullWait == 0 {
		c.RecordBufferFullWait = 5 * time.Second
	}
	if c.FetchDelay == 0 {
		c.FetchDelay = 0
	}
	if c.ThroughputBackoff == 0 {
		c.ThroughputBackoff = 10 * time.Second
	}
	if c.ExceptionRetryDelay == 0 {
		c.ExceptionRetryDelay = time.Second
	}
	if c.FetchThreads == 0 {
		c.FetchThreads = 1
	}
	if c.MaxRecordsPerPoll == 0 {
		c.MaxRecordsPerPoll = 1000
	}
}
