package server

import (
	"net/http"
	"net/url"
)

// isCrossSiteRequest reports whether r comes from the trusted companion site.
// Only hostnames are compared, so scheme and port may differ.
func isCrossSiteRequest(r *http.Request, trusted string) bool {
	if trusted == "" {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	tu, err := url.Parse(trusted)
	if err != nil || tu.Hostname() == "" {
		return false
	}
	ou, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return ou.Hostname() == tu.Hostname()
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Credentials", "true")
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			h.Set("Access-Control-Allow-Headers", hdr)
		}
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		h.Set("Access-Control-Max-Age", "600")
	}
}
