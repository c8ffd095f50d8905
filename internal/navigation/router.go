// Package navigation holds the dashboard's current view selection.
package navigation

import "sync"

// View is one of the fixed dashboard pages.
type View string

const (
	ViewDashboard    View = "Dashboard"
	ViewAllRecords   View = "All Records"
	ViewAppointments View = "Appointments"
	ViewMedications  View = "Medications"
	ViewCureAnalyzer View = "Cure Analyzer"
	ViewCureStat     View = "Cure Stat"
	ViewSettings     View = "Settings"
)

// Views lists every view in sidebar order.
var Views = []View{
	ViewDashboard,
	ViewAllRecords,
	ViewAppointments,
	ViewMedications,
	ViewCureAnalyzer,
	ViewCureStat,
	ViewSettings,
}

// Resolve maps a label to a view; anything unknown is the dashboard.
func Resolve(label string) View {
	for _, v := range Views {
		if string(v) == label {
			return v
		}
	}
	return ViewDashboard
}

// RequiresSession reports whether the view shows per-user data and so renders
// a log-in placeholder without a session.
func (v View) RequiresSession() bool {
	switch v {
	case ViewDashboard, ViewAllRecords, ViewAppointments, ViewMedications, ViewSettings:
		return true
	}
	return false
}

// Router is the current selection. Any view may be selected at any time.
type Router struct {
	mu      sync.RWMutex
	current View
}

// NewRouter starts on the dashboard.
func NewRouter() *Router {
	return &Router{current: ViewDashboard}
}

// Select switches to label and returns the resolved view.
func (r *Router) Select(label string) View {
	v := Resolve(label)
	r.mu.Lock()
	r.current = v
	r.mu.Unlock()
	return v
}

func (r *Router) Current() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}
