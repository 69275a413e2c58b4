package logs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Filter selects log lines. Zero fields match everything.
type Filter struct {
	Component string
	ItemID    string
	Level     string
}

var levelRanks = map[string]int{"debug": 0, "info": 1, "warn": 2, "warning": 2, "error": 3}

// ParseLevel validates a minimum level name.
func ParseLevel(value string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "", nil
	}
	if _, ok := levelRanks[normalized]; !ok {
		return "", fmt.Errorf("unknown log level %q", value)
	}
	return normalized, nil
}

// Match reports whether line passes every set criterion.
func (f Filter) Match(line string) bool {
	if f.Component == "" && f.ItemID == "" && f.Level == "" {
		return true
	}
	rec, ok := parseJSONLine(line)
	if !ok {
		rec = parseConsoleLine(line)
	}
	if f.Component != "" && !strings.EqualFold(rec.component, f.Component) {
		return false
	}
	if f.ItemID != "" && rec.itemID != f.ItemID && !strings.Contains(line, "item_id="+f.ItemID) {
		return false
	}
	if f.Level != "" {
		want, known := levelRanks[strings.ToLower(f.Level)]
		got, parsed := levelRanks[rec.level]
		if known && parsed && got < want {
			return false
		}
	}
	return true
}

type lineRecord struct {
	level     string
	component string
	itemID    string
}

func parseJSONLine(line string) (lineRecord, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return lineRecord{}, false
	}
	var payload struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		ItemID    string `json:"item_id"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return lineRecord{}, false
	}
	return lineRecord{
		level:     strings.ToLower(payload.Level),
		component: payload.Component,
		itemID:    payload.ItemID,
	}, true
}

// parseConsoleLine reads "DATE TIME LEVEL [component] subject: message ...".
func parseConsoleLine(line string) lineRecord {
	var rec lineRecord
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return rec
	}
	rec.level = strings.ToLower(fields[2])
	rest := fields[3:]
	if len(rest) > 0 && strings.HasPrefix(rest[0], "[") && strings.HasSuffix(rest[0], "]") {
		rec.component = strings.Trim(rest[0], "[]")
		rest = rest[1:]
	}
	if len(rest) > 0 && strings.HasSuffix(rest[0], ":") {
		rec.itemID = strings.TrimSuffix(rest[0], ":")
	}
	return rec
}
