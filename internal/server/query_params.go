package server

import (
	"strconv"
	"strings"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// parseLimit clamps a page size into (0, maxAuditLimit].
func parseLimit(value string) (int, error) {
	parsed, err := parseOptionalInt64(value)
	if err != nil {
		return 0, err
	}
	if parsed == nil || *parsed <= 0 {
		return defaultAuditLimit, nil
	}
	if *parsed > maxAuditLimit {
		return maxAuditLimit, nil
	}
	return int(*parsed), nil
}
