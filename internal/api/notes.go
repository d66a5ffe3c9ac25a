package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tasuke/internal/storage"
)

func parseTimeParam(r *http.Request, key string) (time.Time, error) {
	return parseDateArg(r.URL.Query().Get(key))
}

func handleListNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := storage.NoteFilter{
			Source:       q.Get("source"),
			Author:       q.Get("author"),
			ContentQuery: q.Get("q"),
			Limit:        parseIntParam(r, "limit", storage.DefaultNoteLimit, storage.DefaultNoteLimit),
		}
		var err error
		if f.After, err = parseTimeParam(r, "after"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid after: %v", err)
			return
		}
		if f.Before, err = parseTimeParam(r, "before"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid before: %v", err)
			return
		}

		notes, err := deps.Notes.FindNotes(r.Context(), f)
		if err != nil {
			writeError(w, err, "listing notes")
			return
		}
		if notes == nil {
			notes = []storage.Note{}
		}
		writeJSON(w, http.StatusOK, notes)
	}
}

func handleGetNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		note, err := deps.Notes.GetNote(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, "note")
			return
		}
		writeJSON(w, http.StatusOK, note)
	}
}
