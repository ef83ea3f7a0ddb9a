package httpx

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	cases := map[string]struct {
		headers map[string]string
		want    string
	}{
		"remote addr":      {nil, "192.0.2.10"},
		"cloudflare":       {map[string]string{"CF-Connecting-IP": "203.0.113.7", "X-Forwarded-For": "198.51.100.1"}, "203.0.113.7"},
		"forwarded chain":  {map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, "198.51.100.1"},
		"real ip":          {map[string]string{"X-Real-IP": "2001:db8::1"}, "2001:db8::1"},
		"garbage fallback": {map[string]string{"X-Forwarded-For": "not-an-ip"}, "192.0.2.10"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "192.0.2.10:51234"
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, ClientIP(r))
		})
	}
}

func TestRequestHost(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Host = "Edge.Example.com:8443"
	assert.Equal(t, "edge.example.com", RequestHost(r))

	r.Host = "edge.example.com"
	assert.Equal(t, "edge.example.com", RequestHost(r))
}
