package configuration

import (
	"encoding/json"
	"time"
)

// Duration is a time.Duration that is stored in configuration files as
// a string that can be parsed by time.ParseDuration(), such as "30s".
type Duration time.Duration

// UnmarshalJSON parses the string representation of a duration.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON converts a duration to its string representation.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
