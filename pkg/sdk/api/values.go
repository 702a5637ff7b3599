package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Value conversions for generic records. Each returns ok=false when the key
// is absent or null; a present value of the wrong shape is an error.

func String(m map[string]any, key string) (string, bool) {
	v, ok := Lookup(m, key)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

func Bool(m map[string]any, key string) (bool, bool, error) {
	v, ok := Lookup(m, key)
	if !ok {
		return false, false, nil
	}
	switch t := v.(type) {
	case bool:
		return t, true, nil
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, false, errors.Wrapf(err, "field %s", key)
		}
		return b, true, nil
	default:
		return false, false, errors.Errorf("field %s: unexpected %T", key, v)
	}
}

func Int64(m map[string]any, key string) (int64, bool, error) {
	v, ok := Lookup(m, key)
	if !ok {
		return 0, false, nil
	}
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = t
	case float64:
		return int64(t), true, nil
	case int:
		return int64(t), true, nil
	case int64:
		return t, true, nil
	default:
		return 0, false, errors.Errorf("field %s: unexpected %T", key, v)
	}
	if s == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "field %s", key)
	}
	return n, true, nil
}

func Decimal(m map[string]any, key string) (decimal.Decimal, bool, error) {
	v, ok := Lookup(m, key)
	if !ok {
		return decimal.Zero, false, nil
	}
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	case float64:
		return decimal.NewFromFloat(t), true, nil
	case int:
		return decimal.NewFromInt(int64(t)), true, nil
	case int64:
		return decimal.NewFromInt(t), true, nil
	default:
		return decimal.Zero, false, errors.Errorf("field %s: unexpected %T", key, v)
	}
	if s == "" {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, errors.Wrapf(err, "field %s", key)
	}
	return d, true, nil
}

// Time parses RFC 3339 timestamps. A bare calendar date is accepted too.
func Time(m map[string]any, key string) (time.Time, bool, error) {
	s, ok := String(m, key)
	if !ok || s == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999-0700", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true, nil
		}
	}
	return time.Time{}, false, errors.Errorf("field %s: bad timestamp %q", key, s)
}

// EpochMillis parses a millisecond epoch number into UTC time.
func EpochMillis(m map[string]any, key string) (time.Time, bool, error) {
	n, ok, err := Int64(m, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.UnixMilli(n).UTC(), true, nil
}
