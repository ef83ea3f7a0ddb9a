// Package httpx holds small helpers for requests arriving through proxies
// and CDNs.
package httpx

import (
	"net"
	"net/http"
	"strings"
)

// forwardHeaders are consulted in order before falling back to RemoteAddr.
var forwardHeaders = []string{"CF-Connecting-IP", "X-Forwarded-For", "X-Real-IP"}

// ClientIP returns the best guess of the originating client address.
func ClientIP(r *http.Request) string {
	for _, h := range forwardHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		// X-Forwarded-For lists the original client first
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		if ip := net.ParseIP(strings.TrimSpace(v)); ip != nil {
			return ip.String()
		}
	}
	return RemoteHost(r)
}

// RemoteHost strips the port from r.RemoteAddr.
func RemoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestHost returns the Host the client addressed, without a port.
func RequestHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
