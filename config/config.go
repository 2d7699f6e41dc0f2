package config

import "time"

type Config struct {
	// Path to the directory holding the pack files and the index
	Path string
	// MaxFds descriptor budget of the file pool, negative values are
	// subtracted from the process open file limit
	MaxFds int
	// WriteBufferSize coalescing buffer of the active pack writer, 0 disables
	WriteBufferSize int
	// MaxPackSize size after which a new pack file is started
	MaxPackSize int64
	// Concurrency number of parallel reads for batch gets and verify
	Concurrency int
	//DebugMode run in debug mode
	DebugMode bool
	//ReadOnly refuse writes
	ReadOnly bool
	//ShutdownTimeout timeout for shutdown
	ShutdownTimeout time.Duration
}
