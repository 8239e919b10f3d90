package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringList stores a slice of strings inside a JSON column.
type StringList []string

// Value implements driver.Valuer so StringList can be stored as JSON.
func (s StringList) Value() (driver.Value, error) {
	if len(s) == 0 {
		return []byte("[]"), nil
	}

	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Scan implements sql.Scanner to hydrate the StringList from the database.
func (s *StringList) Scan(value any) error {
	data, err := columnBytes(value)
	if err != nil {
		return fmt.Errorf("domain.StringList: %w", err)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}

	var parsed []string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*s = parsed
	return nil
}

// FeatureColumn stores a FeatureSet inside a JSON column.
type FeatureColumn FeatureSet

func (f FeatureColumn) Value() (driver.Value, error) {
	return json.Marshal(FeatureSet(f))
}

func (f *FeatureColumn) Scan(value any) error {
	data, err := columnBytes(value)
	if err != nil {
		return fmt.Errorf("domain.FeatureColumn: %w", err)
	}
	if len(data) == 0 {
		*f = FeatureColumn{}
		return nil
	}

	var parsed FeatureSet
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*f = FeatureColumn(parsed)
	return nil
}

func columnBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", value)
	}
}
