package http

import (
	"net/http"
)

// Home handles GET / on short domains by sending visitors to the main site.
// Without a home URL the root is a plain not-found.
func (h *Handler) Home(homeURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if homeURL == "" {
			h.notFound.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		http.Redirect(w, r, homeURL, http.StatusFound)
	}
}
