package httpcache

import (
	"net/http"
	"strconv"
	"time"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="100" height="100">` +
	`<rect width="100" height="100" fill="#ddd"/>` +
	`<text x="50%" y="50%" text-anchor="middle" dy=".3em" fill="#999">Offline</text></svg>`

const offlineJSON = `{"error":"Offline","message":"No cached data available"}`

// fallback synthesizes the response served when neither the network nor
// the cache can answer. Navigations get the offline page; otherwise the
// choice follows the request's Accept header.
func (m *Manager) fallback(req *http.Request) *Entry {
	switch {
	case isNavigation(req):
		if page, err := m.storage.Match(m.PartitionName(KindStatic), m.offlinePageKey()); err == nil && page != nil {
			return page
		}
		return textEntry(http.StatusServiceUnavailable, "text/plain; charset=utf-8", "Offline")
	case acceptsImage(req):
		return textEntry(http.StatusOK, "image/svg+xml", placeholderSVG)
	case acceptsJSON(req):
		return textEntry(http.StatusServiceUnavailable, "application/json", offlineJSON)
	default:
		return textEntry(http.StatusServiceUnavailable, "text/plain; charset=utf-8", "Offline")
	}
}

func textEntry(status int, contentType, body string) *Entry {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &Entry{
		Status:   status,
		Header:   h,
		Body:     []byte(body),
		StoredAt: time.Now().UTC(),
	}
}
