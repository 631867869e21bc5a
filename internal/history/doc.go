package history

// Package history archives scheduler and dispatch outcomes durably.
//
// It currently supports:
//   - Appending run records (job passes and unit completions)
//   - Reading back the most recent records for summaries
