package pipeline

import (
	"encoding/json"
	"net/http"
)

// Render writes data as a JSON page. Inside the pipeline every page also
// carries the current user, the CSRF token to echo back and any pending flash
// messages, which are consumed.
func Render(w http.ResponseWriter, r *http.Request, status int, data map[string]any) error {
	page := make(map[string]any, len(data)+4)
	for k, v := range data {
		page[k] = v
	}
	if rc := FromRequest(r); rc != nil {
		page["user"] = rc.Identity.String()
		page["authenticated"] = rc.Identity.IsAuthenticated()
		page["csrf_token"] = rc.CSRFToken
		if flashes := rc.Session.PopFlashes(); len(flashes) > 0 {
			page["messages"] = flashes
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(page)
}

func Redirect(w http.ResponseWriter, r *http.Request, url string) error {
	http.Redirect(w, r, url, http.StatusFound)
	return nil
}
