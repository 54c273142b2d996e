package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
)

type addSubjectRequest struct {
	Kind        string `json:"kind"`
	ID          string `json:"id"`
	Search      string `json:"search"`
	DisplayName string `json:"display_name"`
}

// HandleListSubjects returns the registry.
func (h *Handlers) HandleListSubjects(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.Subjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if subs == nil {
		subs = []notify.Subject{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subjects": subs, "count": len(subs)})
}

// HandleAddSubject resolves and registers a subject. Twitch logins are checked
// against Helix; YouTube subjects may be given by channel ID or search term.
func (h *Handlers) HandleAddSubject(w http.ResponseWriter, r *http.Request) {
	var req addSubjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	kind, err := notify.ParseSourceKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.resolveSubject(r.Context(), kind, req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	sub.AddedAt = time.Now().UTC()
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.AddSubject(r.Context(), sub); err != nil {
		if errors.Is(err, store.ErrSubjectExists) {
			writeError(w, http.StatusConflict, fmt.Sprintf("%s is already monitored", sub.Key()))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("subject added",
		slog.String("subject", sub.Key()), slog.String("display_name", sub.DisplayName), slog.String("component", "http"))
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handlers) resolveSubject(ctx context.Context, kind notify.SourceKind, req addSubjectRequest) (notify.Subject, error) {
	sub := notify.Subject{Kind: kind, ID: strings.TrimSpace(req.ID), DisplayName: req.DisplayName}
	switch kind {
	case notify.SourceTwitch:
		sub.ID = strings.ToLower(sub.ID)
		if sub.ID == "" {
			return sub, errBadRequest("twitch subjects need an id (login)")
		}
		if h.twitch == nil {
			return sub, nil
		}
		u, err := h.twitch.GetUser(ctx, sub.ID)
		if err != nil {
			return sub, err
		}
		if sub.DisplayName == "" {
			sub.DisplayName = u.DisplayName
		}
	case notify.SourceYouTube:
		term := strings.TrimSpace(req.Search)
		if sub.ID != "" {
			return sub, nil
		}
		if term == "" {
			return sub, errBadRequest("youtube subjects need an id or a search term")
		}
		if h.youtube == nil {
			return sub, errBadRequest("channel search is not configured; pass the channel id")
		}
		ch, err := h.youtube.SearchChannel(ctx, term)
		if err != nil {
			return sub, err
		}
		sub.ID = ch.ID
		sub.SearchTerm = term
		if sub.DisplayName == "" {
			sub.DisplayName = ch.Title
		}
	}
	return sub, nil
}

// HandleRemoveSubject does not remove anything; it returns a confirmation
// token that must be posted to /admin/confirm/{token}.
func (h *Handlers) HandleRemoveSubject(w http.ResponseWriter, r *http.Request) {
	key, err := subjectKeyFromPath(r.PathValue("key"), r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	subs, err := h.store.Subjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var target *notify.Subject
	for i := range subs {
		if subs[i].Key() == key {
			target = &subs[i]
			break
		}
	}
	if target == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s is not monitored", key))
		return
	}

	prompt := fmt.Sprintf("Stop monitoring %s (%s)? Its notification state is deleted.", target.Name(), key)
	token, expires, err := h.confirms.Request(Confirmation{
		Prompt: prompt,
		OnConfirm: func(ctx context.Context) (any, error) {
			unlock := h.locks.Lock(key)
			defer unlock()
			if err := h.store.RemoveSubject(ctx, key); err != nil {
				return nil, err
			}
			h.locks.Forget(key)
			slog.Info("subject removed", slog.String("subject", key), slog.String("component", "http"))
			return map[string]string{"removed": key}, nil
		},
		OnCancel: func() {
			slog.Info("subject removal not confirmed", slog.String("subject", key), slog.String("component", "http"))
		},
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"prompt":     prompt,
		"token":      token,
		"expires_at": expires.UTC(),
		"confirm":    "/admin/confirm/" + token,
	})
}

// HandleConfirm runs a pending confirmation.
func (h *Handlers) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	res, err := h.confirms.Confirm(r.Context(), r.PathValue("token"))
	switch {
	case errors.Is(err, ErrUnknownConfirmation):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrSubjectNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "confirmed", "result": res})
	}
}

// HandleCancel drops a pending confirmation.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if !h.confirms.Cancel(r.PathValue("token")) {
		writeError(w, http.StatusNotFound, ErrUnknownConfirmation.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// subjectKeyFromPath accepts "kind:id", or a bare id with the kind in the query (default twitch).
func subjectKeyFromPath(raw, kindParam string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing subject")
	}
	if k, id, ok := strings.Cut(raw, ":"); ok {
		kind, err := notify.ParseSourceKind(k)
		if err != nil {
			return "", err
		}
		return notify.SubjectKey(kind, id), nil
	}
	kind := notify.SourceTwitch
	if kindParam != "" {
		var err error
		if kind, err = notify.ParseSourceKind(kindParam); err != nil {
			return "", err
		}
	}
	return notify.SubjectKey(kind, raw), nil
}

type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }

func errBadRequest(msg string) error { return badRequestError{msg} }

// statusFor maps resolution failures onto HTTP status codes.
func statusFor(err error) int {
	var br badRequestError
	if errors.As(err, &br) {
		return http.StatusBadRequest
	}
	switch notify.KindOf(err) {
	case notify.KindNotFound:
		return http.StatusNotFound
	case notify.KindRateLimited, notify.KindQuotaExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}
