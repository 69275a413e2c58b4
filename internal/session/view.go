package session

import (
	"finch/internal/auth"
	"finch/internal/downloads"
)

// ViewState is an immutable snapshot of everything the presentation layer
// renders. Maps are replaced, never mutated, when state changes.
type ViewState struct {
	State         auth.State
	Initializing  bool
	Authenticated bool
	User          *auth.User
	ServerURL     string
	ServerID      string
	Downloads     map[string]downloads.State
	LastError     string
	ErrorKind     string
}

// DownloadCount reports how many downloads are in the given status.
func (v ViewState) DownloadCount(status downloads.Status) int {
	n := 0
	for _, st := range v.Downloads {
		if st.Status == status {
			n++
		}
	}
	return n
}

func cloneDownloads(in map[string]downloads.State) map[string]downloads.State {
	out := make(map[string]downloads.State, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
