package quota

import (
	"sort"
	"strings"
	"time"
)

// ModelQuota is one model's row from the upstream quota listing. A nil
// RemainingFraction means the upstream reported no number for the model.
type ModelQuota struct {
	RemainingFraction *float64  `json:"remaining_fraction,omitempty"`
	ResetTime         time.Time `json:"reset_time,omitzero"`
	WindowSeconds     int64     `json:"window_seconds,omitempty"`
}

// Snapshot is the cached quota view of one credential.
type Snapshot struct {
	CredentialID int64                 `json:"credential_id"`
	Models       map[string]ModelQuota `json:"models"`
	FetchedAt    time.Time             `json:"fetched_at"`
}

// RemainingForGroup averages the remaining fraction across models in the
// named group ("gemini3", "claude", ...). Models without a reported fraction
// are skipped; ok is false when no model in the group reported one.
func (s *Snapshot) RemainingForGroup(group string) (float64, bool) {
	if s == nil || len(s.Models) == 0 {
		return 0, false
	}
	sum := 0.0
	n := 0
	for model, q := range s.Models {
		if !modelInGroup(model, group) || q.RemainingFraction == nil {
			continue
		}
		sum += *q.RemainingFraction
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// MedianWindow returns the median refresh-window length across models that
// reported one.
func (s *Snapshot) MedianWindow() (time.Duration, bool) {
	if s == nil {
		return 0, false
	}
	windows := make([]int64, 0, len(s.Models))
	for _, q := range s.Models {
		if q.WindowSeconds > 0 {
			windows = append(windows, q.WindowSeconds)
		}
	}
	if len(windows) == 0 {
		return 0, false
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })
	mid := windows[len(windows)/2]
	if len(windows)%2 == 0 {
		mid = (windows[len(windows)/2-1] + windows[len(windows)/2]) / 2
	}
	return time.Duration(mid) * time.Second, true
}

func modelInGroup(model, group string) bool {
	if group == "" {
		return true
	}
	return strings.Contains(canonModel(model), canonModel(group))
}

func canonModel(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
