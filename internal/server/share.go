package server

import (
	"net"
	"net/url"
)

// DefaultShareName labels the link in client UIs.
const DefaultShareName = "vlessedge"

// ShareLink renders the client import link for a deployment reachable at host
// over TLS on 443 with a websocket transport on path "/".
func ShareLink(id, host, name string) string {
	return "vless://" + id + "@" + net.JoinHostPort(host, "443") +
		"?encryption=none&security=tls&type=ws&host=" + url.QueryEscape(host) +
		"&path=%2F#" + url.PathEscape(name)
}
