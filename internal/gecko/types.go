package gecko

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record is the canonical normalized form of one upstream entity. Every
// ingress shape (single object, list, table) is converted to an ordered
// sequence of Records at the system boundary before any business logic
// touches it.
type Record map[string]interface{}

// GetString returns the first non-empty string value among the given keys.
// Alternate key names cover upstream schema drift; a record is only invalid
// when no candidate key yields a value.
func (r Record) GetString(keys ...string) string {
	for _, key := range keys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case json.Number:
			return s.String()
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return ""
}

// GetDecimal returns the first parseable decimal among the given keys,
// tolerating string and numeric JSON encodings. Missing values yield zero.
func (r Record) GetDecimal(keys ...string) decimal.Decimal {
	for _, key := range keys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case string:
			if d, err := decimal.NewFromString(n); err == nil {
				return d
			}
		case json.Number:
			if d, err := decimal.NewFromString(n.String()); err == nil {
				return d
			}
		case float64:
			return decimal.NewFromFloat(n)
		case int64:
			return decimal.NewFromInt(n)
		case int:
			return decimal.NewFromInt(int64(n))
		}
	}
	return decimal.Zero
}

// GetInt returns the first integer value among the given keys, or 0.
func (r Record) GetInt(keys ...string) int {
	for _, key := range keys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return int(i)
			}
		case string:
			if i, err := strconv.Atoi(n); err == nil {
				return i
			}
		}
	}
	return 0
}

// GetTime returns the first parseable timestamp among the given keys,
// accepting RFC3339 strings and unix-second numbers. The zero time means
// no candidate key carried a usable value.
func (r Record) GetTime(keys ...string) time.Time {
	for _, key := range keys {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339, t); err == nil {
				return ts.UTC()
			}
			if ts, err := time.Parse("2006-01-02T15:04:05Z07:00", t); err == nil {
				return ts.UTC()
			}
		case float64:
			if t > 0 {
				return time.Unix(int64(t), 0).UTC()
			}
		case int64:
			if t > 0 {
				return time.Unix(t, 0).UTC()
			}
		case json.Number:
			if sec, err := t.Int64(); err == nil && sec > 0 {
				return time.Unix(sec, 0).UTC()
			}
		}
	}
	return time.Time{}
}

// Sub returns a nested object attribute as a Record, or nil when the key
// is absent or not an object. All getters are nil-safe, so lookups chain
// without branching: r.Sub("transactions").Sub("h24").GetInt("buys").
func (r Record) Sub(keys ...string) Record {
	for _, key := range keys {
		if m, ok := r[key].(map[string]interface{}); ok {
			return Record(m)
		}
	}
	return nil
}

// AddressFromID extracts the on-chain address from a provider entity id of
// the form "network_address". Falls back to the raw id when no separator
// is present.
func AddressFromID(id string) string {
	if idx := strings.Index(id, "_"); idx >= 0 && idx < len(id)-1 {
		return id[idx+1:]
	}
	return id
}

// apiEntity is one JSON:API resource object as returned by the provider.
type apiEntity struct {
	ID            string                     `json:"id"`
	Type          string                     `json:"type"`
	Attributes    map[string]interface{}     `json:"attributes"`
	Relationships map[string]apiRelationship `json:"relationships"`
}

type apiRelationship struct {
	Data json.RawMessage `json:"data"`
}

type apiRelData struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// listResponse is the provider's envelope for collection endpoints.
type listResponse struct {
	Data json.RawMessage `json:"data"`
	Meta struct {
		NextPage int `json:"next_page"`
	} `json:"meta"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// ohlcvResponse is the provider's envelope for candle endpoints: a table of
// [ts, open, high, low, close, volume] rows rather than a record list.
type ohlcvResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			OHLCVList [][]json.Number `json:"ohlcv_list"`
		} `json:"attributes"`
	} `json:"data"`
}

type errorResponse struct {
	Errors []struct {
		Status string `json:"status"`
		Title  string `json:"title"`
	} `json:"errors"`
}

// Page is one page of normalized records plus the token of the next page;
// NextPage is zero when pagination is exhausted.
type Page struct {
	Records  []Record
	NextPage int
}
