package firmware

// ProgressCallback is called during long operations to report progress.
// current and total are byte counts, description is a human-readable phase name.
type ProgressCallback func(current, total int64, description string)

// Transfer phases reported through ProgressCallback.
const (
	PhaseWaiting      = "waiting for case"
	PhaseTransferring = "transferring"
	PhaseVerifying    = "verifying"
	PhaseCommitting   = "committing"
	PhaseComplete     = "complete"
	PhaseAborted      = "aborted"
)

// TransferProgress tracks a file transfer operation.
type TransferProgress struct {
	BytesSent   int64
	TotalBytes  int64
	ChunksSent  int
	TotalChunks int
	Phase       string
}

// Percent returns the progress as a percentage (0.0 to 1.0).
func (p TransferProgress) Percent() float64 {
	if p.TotalBytes == 0 {
		return 0
	}
	return float64(p.BytesSent) / float64(p.TotalBytes)
}
