// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Embedding constants
const (
	// EmbeddingDim is the fixed dimension of face embeddings produced by the embedding service
	EmbeddingDim = 512

	// MaxImageSize is the maximum dimension (width or height) of images sent for extraction
	MaxImageSize = 1920
)

// Matching constants
const (
	// DefaultMaxCandidates is the number of nearest neighbors requested per face
	DefaultMaxCandidates = 5

	// DefaultInteractiveThreshold is the minimum cosine similarity for interactive identification
	DefaultInteractiveThreshold = 0.6

	// DefaultBatchThreshold is the minimum cosine similarity for batch identification
	DefaultBatchThreshold = 0.5

	// DefaultMatchConcurrency bounds the number of per-face searches running at once
	DefaultMatchConcurrency = 8
)

// Case registration constants
const (
	// MinAge and MaxAge bound the registered age (inclusive)
	MinAge = 1
	MaxAge = 17

	// PendingRegistrationGraceHours is how long a pending registration may stay incomplete
	// before reconciliation treats it as abandoned (hours)
	PendingRegistrationGraceHours = 24
)

// Retention constants
const (
	// DefaultRetentionDays is how long a closed case is kept before the sweeper deletes it
	DefaultRetentionDays = 30

	// DefaultSecureDeletePasses is the number of random overwrites before a blob is removed
	DefaultSecureDeletePasses = 3

	// DefaultSweepDayOfMonth is the day on which the monthly sweep runs
	DefaultSweepDayOfMonth = 1
)

// Outbox constants
const (
	// OutboxBatchSize is the maximum number of queued index removals retried per drain
	OutboxBatchSize = 100
)

// Web constants
const (
	// MaxUploadSize is the maximum size of a multipart request (50 MB)
	MaxUploadSize = 50 << 20

	// MaxIdentifyFiles is the maximum number of files in one identification request
	MaxIdentifyFiles = 20
)

// Service constants
const (
	// OutboxDrainIntervalSeconds is how often the server retries queued index removals
	OutboxDrainIntervalSeconds = 60

	// ShutdownTimeoutSeconds bounds graceful shutdown of the web server
	ShutdownTimeoutSeconds = 30
)
