// Package tlsconf builds the TLS configuration kbgraph serve uses for HTTPS
// and HTTP/3: a certificate pair from disk, or a throwaway self-signed
// certificate for trying the API on a workstation.
package tlsconf

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"slices"
	"time"
)

// Options selects where serve's certificate comes from. CertFile and
// KeyFile take precedence over Dev.
type Options struct {
	CertFile string
	KeyFile  string
	Dev      bool
	Hosts    []string // extra names or IPs for the dev certificate
}

// FromOptions returns the serve TLS config, or nil when TLS is off.
func FromOptions(opts Options) (*tls.Config, error) {
	switch {
	case opts.CertFile != "" || opts.KeyFile != "":
		if opts.CertFile == "" || opts.KeyFile == "" {
			return nil, errors.New("certificate and key files go together")
		}
		return LoadConfig(opts.CertFile, opts.KeyFile)
	case opts.Dev:
		return GenerateDevConfig(opts.Hosts...)
	}
	return nil, nil
}

// LoadConfig loads a certificate pair for the API listener.
func LoadConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load API certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// GenerateDevConfig creates an ephemeral self-signed certificate for
// localhost plus hosts, valid for a day. Unspecified and empty hosts are
// skipped, so the host part of a listen address can be passed as is.
func GenerateDevConfig(hosts ...string) (*tls.Config, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dev key: %w", err)
	}

	dnsNames := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			if !ip.IsUnspecified() && !slices.ContainsFunc(ips, ip.Equal) {
				ips = append(ips, ip)
			}
			continue
		}
		if h != "" && !slices.Contains(dnsNames, h) {
			dnsNames = append(dnsNames, h)
		}
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: "kbgraph dev"},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return nil, fmt.Errorf("create dev certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
