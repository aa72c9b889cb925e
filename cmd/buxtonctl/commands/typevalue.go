package commands

import (
	"fmt"
	"strconv"

	"github.com/buxton-project/buxton/internal/wire"
)

// parseType maps a --type flag value to its wire.Type. It accepts
// lowercase names ("bool" for Boolean), not the capitalized names
// wire.Type.String() returns.
func parseType(s string) (wire.Type, error) {
	switch s {
	case "", "unknown":
		return wire.TypeUnknown, nil
	case "string":
		return wire.TypeString, nil
	case "int32":
		return wire.TypeInt32, nil
	case "int64":
		return wire.TypeInt64, nil
	case "uint32":
		return wire.TypeUint32, nil
	case "uint64":
		return wire.TypeUint64, nil
	case "float32":
		return wire.TypeFloat32, nil
	case "float64":
		return wire.TypeFloat64, nil
	case "bool":
		return wire.TypeBoolean, nil
	default:
		return wire.TypeUnknown, fmt.Errorf("unknown type %q", s)
	}
}

// parseValue converts raw as declared, for Set's --value flag.
func parseValue(declared wire.Type, raw string) (wire.Value, error) {
	switch declared {
	case wire.TypeString:
		return wire.String(raw), nil
	case wire.TypeInt32:
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return wire.Value{}, fmt.Errorf("parse int32 %q: %w", raw, err)
		}
		return wire.Int32(int32(v)), nil
	case wire.TypeInt64:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return wire.Value{}, fmt.Errorf("parse int64 %q: %w", raw, err)
		}
		return wire.Int64(v), nil
	case wire.TypeUint32:
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return wire.Value{}, fmt.Errorf("parse uint32 %q: %w", raw, err)
		}
		return wire.Uint32(uint32(v)), nil
	case wire.TypeUint64:
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return wire.Value{}, fmt.Errorf("parse uint64 %q: %w", raw, err)
		}
		return wire.Uint64(v), nil
	case wire.TypeFloat32:
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return wire.Value{}, fmt.Errorf("parse float32 %q: %w", raw, err)
		}
		return wire.Float32(float32(v)), nil
	case wire.TypeFloat64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return wire.Value{}, fmt.Errorf("parse float64 %q: %w", raw, err)
		}
		return wire.Float64(v), nil
	case wire.TypeBoolean:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return wire.Value{}, fmt.Errorf("parse bool %q: %w", raw, err)
		}
		return wire.Bool(v), nil
	default:
		return wire.Value{}, fmt.Errorf("set requires an explicit --type")
	}
}

// formatValue renders a retrieved value as plain text, for Get's
// stdout output.
func formatValue(v wire.Value) string {
	switch v.Type {
	case wire.TypeString:
		return v.AsString()
	case wire.TypeInt32:
		return strconv.FormatInt(int64(v.AsInt32()), 10)
	case wire.TypeInt64:
		return strconv.FormatInt(v.AsInt64(), 10)
	case wire.TypeUint32:
		return strconv.FormatUint(uint64(v.AsUint32()), 10)
	case wire.TypeUint64:
		return strconv.FormatUint(v.AsUint64(), 10)
	case wire.TypeFloat32:
		return strconv.FormatFloat(float64(v.AsFloat32()), 'g', -1, 32)
	case wire.TypeFloat64:
		return strconv.FormatFloat(v.AsFloat64(), 'g', -1, 64)
	case wire.TypeBoolean:
		return strconv.FormatBool(v.AsBool())
	default:
		return ""
	}
}
