package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ParamMap is an open string-keyed payload used for job parameters and
// activity details. Job types are extensible by configuration, so the core
// keeps these opaque instead of modelling per-type structs.
type ParamMap map[string]any

// Value implements driver.Valuer so gorm stores the map as JSONB.
func (m ParamMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *ParamMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("params: cannot scan %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// GetString returns the value for key when it is a string.
func (m ParamMap) GetString(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Clone returns a shallow copy. Callers that hand maps across goroutines use
// this to keep stored state isolated from caller mutation.
func (m ParamMap) Clone() ParamMap {
	if m == nil {
		return nil
	}
	out := make(ParamMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
