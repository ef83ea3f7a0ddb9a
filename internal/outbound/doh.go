package outbound

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/matst80/vlessedge/internal/obs"
	"github.com/matst80/vlessedge/internal/proto"
)

const (
	DefaultDoHURL     = "https://1.1.1.1/dns-query"
	DefaultDoHTimeout = 10 * time.Second
	dnsMessageType    = "application/dns-message"
)

// Resolver answers a single wire-format DNS query.
type Resolver interface {
	Resolve(ctx context.Context, query []byte) ([]byte, error)
}

// DoHResolver forwards queries to a DNS-over-HTTPS endpoint (RFC 8484 POST).
type DoHResolver struct {
	URL    string
	client *retryablehttp.Client
}

// NewDoHResolver returns a resolver for url. Failed forwards are not retried:
// the client is expected to retry at its own layer.
func NewDoHResolver(url string, timeout time.Duration) *DoHResolver {
	if url == "" {
		url = DefaultDoHURL
	}
	if timeout <= 0 {
		timeout = DefaultDoHTimeout
	}
	c := retryablehttp.NewClient()
	c.RetryMax = 0
	c.HTTPClient.Timeout = timeout
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = obs.LeveledLogger{Component: "doh"}
	return &DoHResolver{URL: url, client: c}
}

// Resolve posts query and returns the response body. Any transport error or
// non-200 status is reported as ErrUnreachable.
func (r *DoHResolver) Resolve(ctx context.Context, query []byte) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(query))
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "doh request: %v", err)
	}
	req.Header.Set("Content-Type", dnsMessageType)
	req.Header.Set("Accept", dnsMessageType)

	resp, err := r.client.Do(req)
	if err != nil {
		obs.DNSQueriesTotal.WithLabelValues("error").Inc()
		return nil, errors.Wrapf(ErrUnreachable, "doh %s: %v", r.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		obs.DNSQueriesTotal.WithLabelValues("status").Inc()
		return nil, errors.Wrapf(ErrUnreachable, "doh %s: status %d", r.URL, resp.StatusCode)
	}
	answer, err := io.ReadAll(io.LimitReader(resp.Body, proto.MaxPacketLen+1))
	if err != nil {
		obs.DNSQueriesTotal.WithLabelValues("error").Inc()
		return nil, errors.Wrapf(ErrUnreachable, "doh read: %v", err)
	}
	if len(answer) > proto.MaxPacketLen {
		obs.DNSQueriesTotal.WithLabelValues("oversize").Inc()
		return nil, errors.Wrap(ErrUnreachable, "doh answer exceeds 65535 bytes")
	}
	obs.DNSQueriesTotal.WithLabelValues("ok").Inc()
	return answer, nil
}
