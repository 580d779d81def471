package main

// ItemStatus tracks one archive through a sync run.
type ItemStatus int

const (
	StatusPending ItemStatus = iota
	StatusDownloaded
	StatusUploaded
	StatusFailed
)

func (s ItemStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDownloaded:
		return "downloaded"
	case StatusUploaded:
		return "uploaded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReportItem represents a single archive handled by a run
type ReportItem struct {
	Name   string
	Status ItemStatus
	Err    error
}

// Report holds the per-file outcome of a sync run. It lives in memory only.
type Report struct {
	PortalCount      int
	DestinationCount int
	Items            []ReportItem
}

// Summary counts items by status.
type Summary struct {
	Pending    int
	Downloaded int
	Uploaded   int
	Failed     int
}

func (r *Report) index(name string) int {
	for i := range r.Items {
		if r.Items[i].Name == name {
			return i
		}
	}
	r.Items = append(r.Items, ReportItem{Name: name})
	return len(r.Items) - 1
}

// Track adds name as pending unless it is already known.
func (r *Report) Track(name string) {
	r.index(name)
}

func (r *Report) Set(name string, status ItemStatus, err error) {
	i := r.index(name)
	r.Items[i].Status = status
	r.Items[i].Err = err
}

func (r *Report) Status(name string) (ItemStatus, bool) {
	for _, item := range r.Items {
		if item.Name == name {
			return item.Status, true
		}
	}
	return StatusPending, false
}

// Uploaded returns the names confirmed at the destination, in tracking order.
func (r *Report) Uploaded() []string {
	var names []string
	for _, item := range r.Items {
		if item.Status == StatusUploaded {
			names = append(names, item.Name)
		}
	}
	return names
}

func (r *Report) Failed() []ReportItem {
	var failed []ReportItem
	for _, item := range r.Items {
		if item.Status == StatusFailed {
			failed = append(failed, item)
		}
	}
	return failed
}

func (r *Report) Summary() Summary {
	var s Summary
	for _, item := range r.Items {
		switch item.Status {
		case StatusPending:
			s.Pending++
		case StatusDownloaded:
			s.Downloaded++
		case StatusUploaded:
			s.Uploaded++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}
