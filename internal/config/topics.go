package config

const (
	// DefaultEmbedTopic is the NSQ topic carrying embed tasks from the
	// upstream normalization stage.
	DefaultEmbedTopic = "embed.task"

	// DefaultDeadLetterTopic receives permanently failed embed tasks.
	DefaultDeadLetterTopic = "embed.deadletter"
)
