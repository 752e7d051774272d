package audio

// CaptureDevice delivers microphone sample buffers at its native rate
// through a callback until stopped.
type CaptureDevice interface {
	// Start begins capture. onBuffer is invoked once per delivered
	// buffer; buffers are float samples in [-1,1] at SampleRate.
	Start(onBuffer func(samples []float32)) error
	Stop() error
	SampleRate() int
}

// PlaybackDevice renders one sample buffer. Write blocks until the
// buffer has been handed to the output sink, not until it finished
// playing; pacing is the scheduler's job.
type PlaybackDevice interface {
	Write(samples []float32) error
	SampleRate() int
	Close() error
}
