package server

import (
	"context"
	"net/http"
	"time"

	"github.com/onnwee/stream-herald/notify"
)

// checkTimeout bounds a manual check run inside the request.
const checkTimeout = 75 * time.Second

// HandleCheck runs a cycle now. ?kind= limits it to one source.
func (h *Handlers) HandleCheck(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	var kinds []notify.SourceKind
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := notify.ParseSourceKind(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kinds = append(kinds, kind)
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()
	results := h.checker.CheckNow(ctx, kinds...)

	outcomes := map[string]int{}
	type failure struct {
		Subject string `json:"subject"`
		Kind    string `json:"kind"`
		Error   string `json:"error"`
	}
	failures := []failure{}
	for _, res := range results {
		switch {
		case res.Err != nil:
			failures = append(failures, failure{Subject: res.SubjectKey, Kind: notify.KindOf(res.Err).String(), Error: res.Err.Error()})
		case res.Skipped:
			outcomes["skipped"]++
		default:
			outcomes[res.Outcome.String()]++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checked":  len(results),
		"outcomes": outcomes,
		"failures": failures,
	})
}

// HandleState dumps the persisted notification state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	states, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if states == nil {
		states = []notify.SubjectState{}
	}
	live := 0
	for _, st := range states {
		if st.Live {
			live++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"states":                states,
		"live":                  live,
		"pending_confirmations": h.confirms.Pending(),
	})
}
