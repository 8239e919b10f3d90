package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads "2500ms"/"1h" strings or plain millisecond
// numbers from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("config: invalid duration %s", string(data))
	}
}
