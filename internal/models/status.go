package models

import (
	"fmt"
	"strings"
)

type WatchStatus string

const (
	StatusWatching    WatchStatus = "watching"
	StatusPlanToWatch WatchStatus = "plan_to_watch"
	StatusCompleted   WatchStatus = "completed"
	StatusOnHold      WatchStatus = "on_hold"
	StatusDropped     WatchStatus = "dropped"
)

func ParseWatchStatus(s string) (WatchStatus, error) {
	switch v := WatchStatus(strings.ToLower(strings.TrimSpace(s))); v {
	case "", StatusWatching, StatusPlanToWatch, StatusCompleted, StatusOnHold, StatusDropped:
		return v, nil
	}
	return "", fmt.Errorf("unknown watch status %q", s)
}

// NormalizeStatus enforces the progress invariant for a status write.
// total <= 0 means the item's episode count is unknown and only the lower bound applies.
// A null status passes through untouched.
func NormalizeStatus(prev, next Value, total int) Value {
	if next.Status == "" {
		return Value{}
	}
	out := Value{Status: next.Status, Progress: next.Progress}
	if out.Progress < 0 {
		out.Progress = 0
	}
	if total <= 0 {
		return out
	}
	if out.Progress > total {
		out.Progress = total
	}
	switch {
	case out.Progress == total:
		out.Status = StatusCompleted
	case out.Status == StatusCompleted && prev.Status == StatusCompleted:
		out.Status = StatusWatching
	case out.Status == StatusCompleted:
		out.Progress = total
	}
	return out
}

// AdvanceProgress returns the status value implied by reviewing episode, or false when
// the current progress already covers it.
func AdvanceProgress(current Value, episode, total int) (Value, bool) {
	if current.Status != "" && current.Progress >= episode {
		return current, false
	}
	next := Value{Status: current.Status, Progress: episode}
	if next.Status == "" || next.Status == StatusPlanToWatch {
		next.Status = StatusWatching
	}
	return NormalizeStatus(current, next, total), true
}
