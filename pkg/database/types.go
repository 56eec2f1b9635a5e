package database

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSON stores an arbitrary JSON document in a text column so the same model
// works on PostgreSQL, MySQL and SQLite.
type JSON json.RawMessage

// Scan implements the sql.Scanner interface for reading from the database.
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("JSON: unsupported scan type")
	}

	if len(bytes.TrimSpace(data)) == 0 {
		*j = nil
		return nil
	}
	if !json.Valid(data) {
		return errors.New("JSON: stored value is not valid json")
	}
	*j = append((*j)[:0], data...)
	return nil
}

// Value implements the driver.Valuer interface for writing to the database.
func (j JSON) Value() (driver.Value, error) {
	if j.IsNull() {
		return nil, nil
	}
	return string(j), nil
}

// IsNull reports whether the document is absent or JSON null.
func (j JSON) IsNull() bool {
	return len(j) == 0 || string(j) == "null"
}

// IsEmpty reports whether the document is null or an object without keys.
func (j JSON) IsEmpty() bool {
	if j.IsNull() {
		return true
	}
	doc := bytes.TrimSpace(j)
	if len(doc) < 2 || doc[0] != '{' || doc[len(doc)-1] != '}' {
		return false
	}
	return len(bytes.TrimSpace(doc[1:len(doc)-1])) == 0
}

// MarshalJSON returns the raw document.
func (j JSON) MarshalJSON() ([]byte, error) {
	if j.IsNull() {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// UnmarshalJSON stores a copy of data.
func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// GormDataType returns the GORM data type hint.
func (JSON) GormDataType() string {
	return "text"
}
