package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// ActivityItem is one operation or agent event shown in the feed.
type ActivityItem struct {
	ID        string
	Icon      string
	Message   string
	StartedAt time.Time
	DoneAt    *time.Time
	Detail    string
}

type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 8}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

// Complete marks the item done. detail replaces the message suffix, e.g. a
// failure reason.
func (f *ActivityFeed) Complete(id, icon, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for i := range f.items {
		if f.items[i].ID == id {
			f.items[i].Icon = icon
			f.items[i].DoneAt = &now
			f.items[i].Detail = detail
			return
		}
	}
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *ActivityFeed) CleanupOld(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d recent (a to expand) ──", len(f.items))) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, it.Message)
		if it.DoneAt != nil {
			dur := it.DoneAt.Sub(it.StartedAt).Truncate(time.Millisecond)
			line += fmt.Sprintf(" (%s)", dur)
		} else {
			line += fmt.Sprintf(" (%s)", time.Since(it.StartedAt).Truncate(time.Second))
		}
		if it.Detail != "" {
			line += dim.Render(" " + it.Detail)
		}
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}
