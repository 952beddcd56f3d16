package database

import (
	"database/sql"
	"encoding/json"
	"time"
)

func nullInt64ToPtr(n sql.NullInt64) *int64 {
	if n.Valid {
		return &n.Int64
	}
	return nil
}

func nullFloat64ToPtr(n sql.NullFloat64) *float64 {
	if n.Valid {
		return &n.Float64
	}
	return nil
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if n.Valid {
		t := n.Time.UTC()
		return &t
	}
	return nil
}

func nullStringValue(n sql.NullString) string {
	if n.Valid {
		return n.String
	}
	return ""
}

// int64PtrArg converts an optional ID into a driver argument, nil becoming NULL.
func int64PtrArg(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func float64PtrArg(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func timePtrArg(p *time.Time) any {
	if p == nil {
		return nil
	}
	return dbTime(*p)
}

func stringPtrArg(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// marshalToNullString encodes v as JSON; empty maps become NULL.
func marshalToNullString(v map[string]string) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalFromNullString decodes JSON from a nullable column; NULL leaves v untouched.
func unmarshalFromNullString(data sql.NullString, v any) error {
	if !data.Valid || data.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(data.String), v)
}
