package aimnet2

import (
	"errors"
	"fmt"
)

// ErrEmptyDataset is returned when a SizeIndex is built
// from zero records.
var ErrEmptyDataset = errors.New("empty dataset")

// A ConfigError describes an invalid or missing
// configuration option.
//
// It is fatal at startup and never retried.
type ConfigError struct {
	// Option is the configuration key at fault.
	Option string

	// Reason describes what is wrong with the value.
	Reason string
}

// Error generates a human-readable message.
func (c *ConfigError) Error() string {
	return fmt.Sprintf("config option %q: %s", c.Option, c.Reason)
}

// A ShardError indicates a violation of the shard
// disjointness or coverage invariants, or an invalid
// worker configuration.
type ShardError struct {
	// Bucket is the bucket key involved, or -1 when the
	// error is not specific to a bucket.
	Bucket int

	// Reason describes the violation.
	Reason string
}

// Error generates a human-readable message.
func (s *ShardError) Error() string {
	if s.Bucket < 0 {
		return "shard: " + s.Reason
	}
	return fmt.Sprintf("shard bucket %d: %s", s.Bucket, s.Reason)
}

// A DataError indicates a mismatch between a batch and
// the configured targets, such as a missing target key.
//
// It is fatal for the batch and must not be silently
// skipped, since dropping a batch would break the
// full-coverage guarantee.
type DataError struct {
	// Target is the missing or malformed target key.
	Target string

	// Reason describes the mismatch.
	Reason string
}

// Error generates a human-readable message.
func (d *DataError) Error() string {
	return fmt.Sprintf("target %q: %s", d.Target, d.Reason)
}
