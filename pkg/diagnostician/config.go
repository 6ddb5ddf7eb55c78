package diagnostician

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the Tier-2 batch settings.
type Config struct {
	// BatchSize is the maximum number of entries handled per invocation.
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"gte=1,lte=100"`

	// ClaimTTL is how long a claim protects an entry from other workers.
	ClaimTTL time.Duration `yaml:"claim_ttl" json:"claim_ttl" validate:"gt=0"`

	// ReasonerTimeout bounds a single reasoning request.
	ReasonerTimeout time.Duration `yaml:"reasoner_timeout" json:"reasoner_timeout" validate:"gt=0"`

	LogTail     int `yaml:"log_tail" json:"log_tail" validate:"gte=1"`
	LessonLimit int `yaml:"lesson_limit" json:"lesson_limit" validate:"gte=0"`

	// FollowUpDelay postpones the follow-up invocation queued when a batch
	// leaves escalated entries behind.
	FollowUpDelay time.Duration `yaml:"follow_up_delay" json:"follow_up_delay" validate:"gte=0"`

	// FallbackConfidence is recorded on diagnoses built without a usable answer.
	FallbackConfidence float64 `yaml:"fallback_confidence" json:"fallback_confidence" validate:"gte=0,lte=0.5"`

	// AutoSubmit moves remediation fix tasks straight to ready.
	AutoSubmit bool `yaml:"auto_submit" json:"auto_submit"`

	Worker string `yaml:"worker" json:"worker"`
}

// DefaultConfig returns the default diagnostician settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:          5,
		ClaimTTL:           15 * time.Minute,
		ReasonerTimeout:    2 * time.Minute,
		LogTail:            20,
		LessonLimit:        5,
		FollowUpDelay:      30 * time.Second,
		FallbackConfidence: 0.3,
		AutoSubmit:         true,
		Worker:             Actor,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid diagnostician config: %w", err)
	}
	return nil
}
