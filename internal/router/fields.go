package router

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// fields is a decoded JSON object. Venue payloads use keys that differ only in
// case ("e"/"E", "c"/"C"), which struct tags cannot tell apart.
type fields map[string]json.RawMessage

func (f fields) has(key string) bool {
	_, ok := f[key]
	return ok
}

func (f fields) str(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// numbers and bools as their literal text
	return string(bytes.TrimSpace(raw))
}

func (f fields) num(key string) int64 {
	n, _ := strconv.ParseInt(f.str(key), 10, 64)
	return n
}

func (f fields) flag(key string) bool {
	return f.str(key) == "true"
}

func (f fields) dec(key string) decimal.Decimal {
	d, err := decimal.NewFromString(f.str(key))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (f fields) millis(key string) time.Time {
	ms := f.num(key)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (f fields) object(key string) fields {
	var sub fields
	if raw, ok := f[key]; ok {
		_ = json.Unmarshal(raw, &sub)
	}
	return sub
}

func (f fields) objects(key string) []fields {
	var list []fields
	if raw, ok := f[key]; ok {
		_ = json.Unmarshal(raw, &list)
	}
	return list
}

func (f fields) levels(key string) []Level {
	var pairs [][]string
	if raw, ok := f[key]; ok {
		_ = json.Unmarshal(raw, &pairs)
	}
	out := make([]Level, 0, len(pairs))
	for _, p := range pairs {
		if len(p) < 2 {
			continue
		}
		price, err1 := decimal.NewFromString(p[0])
		qty, err2 := decimal.NewFromString(p[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, Level{Price: price, Quantity: qty})
	}
	return out
}
