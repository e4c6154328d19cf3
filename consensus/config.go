package consensus

import (
	"fmt"
	"math"
	"time"
)

// Config is fixed at engine construction
type Config struct {
	QuerySampleSize   int           `mapstructure:"query_sample_size"`  // opinions requested per round
	FinalityThreshold float64       `mapstructure:"finality_threshold"` // fraction of the sample that must agree
	FinalityTimeout   time.Duration `mapstructure:"finality_timeout"`   // pending decisions older than this are rejected
	ConfirmationDepth int           `mapstructure:"confirmation_depth"` // consecutive successful rounds to finalize
	RoundTimeout      time.Duration `mapstructure:"round_timeout"`      // bound on a single oracle query
	MaxSampleRetries  int           `mapstructure:"max_sample_retries"` // consecutive oracle failures tolerated
	MaxRounds         int           `mapstructure:"max_rounds"`
}

func DefaultConfig() Config {
	return Config{
		QuerySampleSize:   10,
		FinalityThreshold: 0.8,
		FinalityTimeout:   5 * time.Second,
		ConfirmationDepth: 3,
		RoundTimeout:      100 * time.Millisecond,
		MaxSampleRetries:  3,
		MaxRounds:         100,
	}
}

func (c Config) Validate() error {
	switch {
	case c.QuerySampleSize <= 0:
		return fmt.Errorf("query_sample_size must be positive, got %d", c.QuerySampleSize)
	case c.FinalityThreshold <= 0 || c.FinalityThreshold > 1:
		return fmt.Errorf("finality_threshold must be in (0,1], got %v", c.FinalityThreshold)
	case c.FinalityTimeout <= 0:
		return fmt.Errorf("finality_timeout must be positive, got %v", c.FinalityTimeout)
	case c.ConfirmationDepth <= 0:
		return fmt.Errorf("confirmation_depth must be positive, got %d", c.ConfirmationDepth)
	case c.RoundTimeout <= 0:
		return fmt.Errorf("round_timeout must be positive, got %v", c.RoundTimeout)
	case c.MaxSampleRetries < 0:
		return fmt.Errorf("max_sample_retries must not be negative, got %d", c.MaxSampleRetries)
	case c.MaxRounds < c.ConfirmationDepth:
		return fmt.Errorf("max_rounds (%d) must be at least confirmation_depth (%d)", c.MaxRounds, c.ConfirmationDepth)
	}
	return nil
}

// affirmativeQuorum is the number of affirmative opinions a round needs
func (c Config) affirmativeQuorum() int {
	// absorb rounding so that 0.07 of 100 asks for 7, not 8
	return int(math.Ceil(c.FinalityThreshold*float64(c.QuerySampleSize) - 1e-9))
}
