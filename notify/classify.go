package notify

// Change is the outcome of comparing a snapshot against stored state.
type Change int

const (
	ChangeNone Change = iota
	// ChangeWentLive: a stream started (or the first observation is live).
	ChangeWentLive
	// ChangeUpdated: still live but title or category differ.
	ChangeUpdated
	// ChangeWentOffline: was live, now offline.
	ChangeWentOffline
	// ChangeNewItem: a feed entry that is not in the seen history.
	ChangeNewItem
)

func (c Change) String() string {
	switch c {
	case ChangeNone:
		return "unchanged"
	case ChangeWentLive:
		return "went_live"
	case ChangeUpdated:
		return "updated"
	case ChangeWentOffline:
		return "went_offline"
	case ChangeNewItem:
		return "new_item"
	default:
		return "unknown"
	}
}

// Classify dispatches on the subject's source kind.
func Classify(kind SourceKind, prev SubjectState, snap Snapshot) Change {
	if kind == SourceYouTube {
		return ClassifyFeed(prev, snap)
	}
	return ClassifyStatus(prev, snap)
}

// ClassifyStatus compares a live-status snapshot with the previous state.
func ClassifyStatus(prev SubjectState, snap Snapshot) Change {
	switch {
	case snap.Live && !prev.Live:
		return ChangeWentLive
	case snap.Live && (snap.Title != prev.Title || snap.Category != prev.Category):
		return ChangeUpdated
	case !snap.Live && prev.Live:
		return ChangeWentOffline
	default:
		return ChangeNone
	}
}

// ClassifyFeed reports a new item when the latest entry has not been seen before.
func ClassifyFeed(prev SubjectState, snap Snapshot) Change {
	if snap.ContentID == "" || prev.HasSeen(snap.ContentID) {
		return ChangeNone
	}
	return ChangeNewItem
}
