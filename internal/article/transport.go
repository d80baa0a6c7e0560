package article

import (
	"crypto/tls"
	"net/http"

	"github.com/quic-go/quic-go/http3"
)

// TransportOptions selects the HTTP transport used to reach the instance.
type TransportOptions struct {
	HTTP3    bool // speak HTTP/3 over QUIC instead of HTTP/1.1 or HTTP/2
	Insecure bool // skip TLS certificate verification
}

// NewTransport returns a RoundTripper for the Table API and link probes.
func NewTransport(opts TransportOptions) http.RoundTripper {
	tlsConf := &tls.Config{InsecureSkipVerify: opts.Insecure}
	if opts.HTTP3 {
		return &http3.Transport{TLSClientConfig: tlsConf}
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = tlsConf
	return t
}
