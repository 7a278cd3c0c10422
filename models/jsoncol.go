package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// JSON-backed column types. Each is stored as jsonb in PostgreSQL.

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode json column")
	}
	return string(b), nil
}

func scanJSON(src interface{}, dst interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Newf("unsupported json column source %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, dst), "decode json column")
}

// PortList is the ordered port set of an allocation.
type PortList []PortBinding

func (p PortList) Value() (driver.Value, error) {
	if p == nil {
		p = PortList{}
	}
	return jsonValue(p)
}

func (p *PortList) Scan(src interface{}) error { return scanJSON(src, p) }

func (PortList) GormDataType() string { return "jsonb" }

// PortRequirements lists the port demand of a blueprint.
type PortRequirements []PortRequirement

func (p PortRequirements) Value() (driver.Value, error) {
	if p == nil {
		p = PortRequirements{}
	}
	return jsonValue(p)
}

func (p *PortRequirements) Scan(src interface{}) error { return scanJSON(src, p) }

func (PortRequirements) GormDataType() string { return "jsonb" }

// EnvVars holds environment variable overrides.
type EnvVars map[string]string

func (e EnvVars) Value() (driver.Value, error) {
	if e == nil {
		e = EnvVars{}
	}
	return jsonValue(e)
}

func (e *EnvVars) Scan(src interface{}) error { return scanJSON(src, e) }

func (EnvVars) GormDataType() string { return "jsonb" }

// Clone returns an independent copy.
func (e EnvVars) Clone() EnvVars {
	out := make(EnvVars, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// VariableList holds the configurable variables of a blueprint.
type VariableList []BlueprintVariable

func (v VariableList) Value() (driver.Value, error) {
	if v == nil {
		v = VariableList{}
	}
	return jsonValue(v)
}

func (v *VariableList) Scan(src interface{}) error { return scanJSON(src, v) }

func (VariableList) GormDataType() string { return "jsonb" }
