package coordinator

import (
	"fmt"

	"github.com/toolink/share/attachment"
	"github.com/toolink/share/report"
)

// Item is one unit of shared content handed over by the host. Its
// attachments are read-only to the coordinator.
type Item struct {
	Title       string
	Attachments []attachment.Provider
}

// NewItem builds an item from providers.
func NewItem(title string, providers ...attachment.Provider) Item {
	return Item{Title: title, Attachments: providers}
}

// LoadState is the coordinator-owned state of one attachment.
type LoadState int

const (
	LoadPending LoadState = iota
	LoadInFlight
	LoadSucceeded
	LoadFailed
	LoadCancelled
)

func (s LoadState) String() string {
	switch s {
	case LoadPending:
		return "pending"
	case LoadInFlight:
		return "loading"
	case LoadSucceeded:
		return "loaded"
	case LoadFailed:
		return "failed"
	case LoadCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("load_state(%d)", int(s))
	}
}

// Done reports whether a load attempt finished, successfully or permanently.
func (s LoadState) Done() bool {
	return s == LoadSucceeded || s == LoadFailed
}

// Status is a snapshot of one attachment.
type Status struct {
	ID     string
	Item   int
	TypeID string
	State  LoadState
}

// Progress is a consistent snapshot of aggregate load state.
type Progress struct {
	State     report.State
	Total     int
	Pending   int
	Loading   int
	Loaded    int
	Failed    int
	Cancelled int
}

// Settled is the number of attachments no longer pending or loading.
func (p Progress) Settled() int {
	return p.Loaded + p.Failed + p.Cancelled
}
