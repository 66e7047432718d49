package config

import (
	"gousdcbridge/retry"
)

const DefaultAttempts Attempts = retry.DefaultMaxAttempts

// Attempts is a total attempt budget. Bad values in the file or the environment
// (fractions, negatives, garbage) become the default instead of failing startup.
type Attempts int

func (a *Attempts) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		*a = DefaultAttempts
		return nil
	}
	*a = Attempts(retry.CoerceMaxAttempts(raw))
	return nil
}

// Decode implements envconfig.Decoder.
func (a *Attempts) Decode(value string) error {
	*a = Attempts(retry.CoerceMaxAttempts(value))
	return nil
}

func (a Attempts) Int() int {
	return int(a)
}
