package formula

import (
	"math"
	"time"
)

// coerce converts the raw evaluation result to the declared data type. A
// nil result stays nil (an expression may deliberately yield null). Failure
// to coerce is a TYPE_ERROR.
func coerce(raw any, cfg FieldConfig) (any, *Error) {
	if raw == nil {
		return nil, nil
	}

	switch cfg.DataType {
	case TypeNumber, TypeCurrency, TypePercent:
		f, ok := asNumber(raw)
		if !ok {
			return nil, errf(ErrType, 0, "cannot coerce %s to %s", typeName(raw), cfg.DataType)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errf(ErrType, 0, "result is not a finite number")
		}
		if cfg.Precision != nil {
			return roundTo(f, *cfg.Precision), nil
		}
		return f, nil

	case TypeText:
		switch raw.(type) {
		case []any, map[string]any:
			return nil, errf(ErrType, 0, "cannot coerce %s to text", typeName(raw))
		}
		if t, ok := raw.(time.Time); ok && cfg.Format != "" {
			return t.Format(cfg.Format), nil
		}
		return display(raw), nil

	case TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, errf(ErrType, 0, "cannot coerce %s to boolean", typeName(raw))
		}
		return b, nil

	case TypeDate, TypeDatetime:
		t, ok := raw.(time.Time)
		if !ok {
			if s, isStr := raw.(string); isStr {
				parsed, err := parseTime(s)
				if err != nil {
					return nil, errf(ErrType, 0, "cannot parse %q as %s", s, cfg.DataType)
				}
				t = parsed
			} else {
				return nil, errf(ErrType, 0, "cannot coerce %s to %s", typeName(raw), cfg.DataType)
			}
		}
		if cfg.DataType == TypeDate {
			y, m, d := t.Date()
			t = time.Date(y, m, d, 0, 0, 0, 0, t.Location())
		}
		if cfg.Format != "" {
			return t.Format(cfg.Format), nil
		}
		return t, nil
	}
	return nil, errf(ErrType, 0, "unknown data type %q", cfg.DataType)
}

func roundTo(f float64, precision int) float64 {
	if precision < 0 {
		precision = 0
	}
	scale := math.Pow(10, float64(precision))
	return math.Round(f*scale) / scale
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: time.RFC3339, Value: s}
}
