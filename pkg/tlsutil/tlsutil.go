// Package tlsutil builds crypto/tls configurations from declarative config
// for the NATS connection, the webhook HTTP client and the websocket server.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/sodazone/xcmon/errors"
)

// ServerMTLS configures client-certificate validation on a server listener.
type ServerMTLS struct {
	Enabled           bool     `json:"enabled"`
	ClientCAFiles     []string `json:"clientCaFiles"`
	RequireClientCert bool     `json:"requireClientCert"`
	AllowedClientCNs  []string `json:"allowedClientCns,omitempty"`
}

// ServerConfig configures TLS termination for a server listener.
type ServerConfig struct {
	Enabled    bool       `json:"enabled"`
	CertFile   string     `json:"certFile"`
	KeyFile    string     `json:"keyFile"`
	MinVersion string     `json:"minVersion,omitempty"`
	MTLS       ServerMTLS `json:"mtls,omitempty"`
}

// ClientMTLS configures the client certificate presented to servers that
// require mutual TLS.
type ClientMTLS struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`
}

// ClientConfig configures TLS for outbound connections. CAFiles extend the
// system trust store rather than replacing it.
type ClientConfig struct {
	Enabled            bool       `json:"enabled"`
	CAFiles            []string   `json:"caFiles,omitempty"`
	InsecureSkipVerify bool       `json:"insecureSkipVerify,omitempty"`
	MinVersion         string     `json:"minVersion,omitempty"`
	MTLS               ClientMTLS `json:"mtls,omitempty"`
}

// LoadServer builds a server tls.Config, or nil when TLS is disabled.
func LoadServer(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServer", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseVersion(cfg.MinVersion),
	}

	if cfg.MTLS.Enabled {
		if err := applyServerMTLS(tlsConfig, cfg.MTLS); err != nil {
			return nil, err
		}
	}
	return tlsConfig, nil
}

// LoadClient builds a client tls.Config, or nil when TLS is disabled.
func LoadClient(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion: parseVersion(cfg.MinVersion),
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClient",
				fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(
				fmt.Errorf("invalid PEM data"),
				"tlsutil", "LoadClient",
				fmt.Sprintf("parse CA certificate from %s", caFile))
		}
	}
	tlsConfig.RootCAs = rootCAs

	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.MTLS.Enabled {
		clientCert, err := tls.LoadX509KeyPair(cfg.MTLS.CertFile, cfg.MTLS.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClient", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}
	return tlsConfig, nil
}

func applyServerMTLS(tlsConfig *tls.Config, cfg ServerMTLS) error {
	clientCAs := x509.NewCertPool()
	for _, caFile := range cfg.ClientCAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", "applyServerMTLS",
				fmt.Sprintf("read client CA file %s", caFile))
		}
		if !clientCAs.AppendCertsFromPEM(caPEM) {
			return errors.WrapFatal(
				fmt.Errorf("invalid PEM data"),
				"tlsutil", "applyServerMTLS",
				fmt.Sprintf("parse client CA certificate from %s", caFile))
		}
	}

	tlsConfig.ClientCAs = clientCAs
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedClientCNs) > 0 {
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
			return verifyClientCN(verifiedChains, cfg.AllowedClientCNs)
		}
	}
	return nil
}

func verifyClientCN(chains [][]*x509.Certificate, allowed []string) error {
	if len(chains) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}
	cn := chains[0][0].Subject.CommonName
	for _, want := range allowed {
		if cn == want {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN %q not in allowed list", cn)
}

// parseVersion maps a version string to a crypto/tls constant, defaulting
// to TLS 1.2.
func parseVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}
