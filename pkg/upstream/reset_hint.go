package upstream

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ParseResetHint extracts the quota-reset moment from a 429 response. It
// checks, in order: a RetryInfo detail with a retryDelay, a
// quotaResetTimeStamp inside QuotaFailure/ErrorInfo metadata, and the
// Retry-After header. The zero time means no hint was found.
func ParseResetHint(body []byte, header http.Header, now time.Time) time.Time {
	details := gjson.GetBytes(body, "error.details")
	if details.IsArray() {
		for _, d := range details.Array() {
			typ := d.Get("@type").String()
			switch {
			case strings.HasSuffix(typ, "RetryInfo"):
				if delay := parseDurationString(d.Get("retryDelay").String()); delay > 0 {
					return now.Add(delay)
				}
			case strings.HasSuffix(typ, "QuotaFailure"), strings.HasSuffix(typ, "ErrorInfo"):
				if ts := parseTimestamp(d.Get("metadata.quotaResetTimeStamp").String()); !ts.IsZero() {
					return ts
				}
				for _, v := range d.Get("violations").Array() {
					if ts := parseTimestamp(v.Get("quotaResetTimeStamp").String()); !ts.IsZero() {
						return ts
					}
				}
			}
		}
	}
	if ts := parseTimestamp(gjson.GetBytes(body, "error.quotaResetTimeStamp").String()); !ts.IsZero() {
		return ts
	}
	if ra := strings.TrimSpace(header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if ts, err := http.ParseTime(ra); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// parseDurationString handles both the protobuf "30s"/"1.5s" form and
// Go-style durations.
func parseDurationString(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(strings.TrimSuffix(raw, "s"), 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil && unix > 0 {
		// Millisecond timestamps are 13 digits until the year 33658.
		if unix > 1e12 {
			return time.UnixMilli(unix)
		}
		return time.Unix(unix, 0)
	}
	return time.Time{}
}
