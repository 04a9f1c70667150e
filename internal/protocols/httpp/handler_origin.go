package httpp

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
)

var errOriginNotAllowed = errors.New("origin not allowed")

func normalizeHost(u *url.URL) string {
	if u.Port() == "" {
		switch u.Scheme {
		case "http":
			return net.JoinHostPort(u.Host, "80")
		case "https":
			return net.JoinHostPort(u.Host, "443")
		}
	}
	return u.Host
}

func isOriginAllowed(origin string, allowOrigins []string) (string, error) {
	if len(allowOrigins) == 0 {
		return "", errOriginNotAllowed
	}

	for _, o := range allowOrigins {
		if o == "*" {
			return o, nil
		}
	}

	if origin == "" {
		return "", errOriginNotAllowed
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Scheme == "" {
		return "", errOriginNotAllowed
	}

	for _, o := range allowOrigins {
		allowedURL, err2 := url.Parse(o)
		if err2 != nil {
			continue
		}

		if strings.EqualFold(allowedURL.Scheme, originURL.Scheme) &&
			normalizeHost(allowedURL) == normalizeHost(originURL) {
			return origin, nil
		}
	}

	return "", errOriginNotAllowed
}

// add CORS headers and answer preflight requests.
type handlerOrigin struct {
	h            http.Handler
	allowOrigins []string
}

func (h *handlerOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin, err := isOriginAllowed(r.Header.Get("Origin"), h.allowOrigins)
	if err == nil {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Peer-ID")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.h.ServeHTTP(w, r)
}
