package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"google.golang.org/grpc/credentials"
)

func pairAndPool(b *CertBundle, caCertPEM []byte) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.X509KeyPair(b.CertPEM, b.KeyPEM)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("loading certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("failed to parse CA certificate")
	}
	return cert, pool, nil
}

// ServerTLSConfig requires clients to present a certificate signed by the CA.
func ServerTLSConfig(m *Material) (*tls.Config, error) {
	cert, pool, err := pairAndPool(m.Broker, m.CA.CertPEM)
	if err != nil {
		return nil, fmt.Errorf("broker certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig presents the client certificate and verifies the broker
// against the CA.
func ClientTLSConfig(client *CertBundle, caCertPEM []byte) (*tls.Config, error) {
	cert, pool, err := pairAndPool(client, caCertPEM)
	if err != nil {
		return nil, fmt.Errorf("client certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ServerCredentials returns gRPC transport credentials for the broker.
func ServerCredentials(m *Material) (credentials.TransportCredentials, error) {
	cfg, err := ServerTLSConfig(m)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// ClientCredentials loads the client material from dir and returns gRPC
// transport credentials for dialing the broker.
func ClientCredentials(dir string) (credentials.TransportCredentials, error) {
	client, caCertPEM, err := LoadClient(dir)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate from %s: %w", dir, err)
	}
	cfg, err := ClientTLSConfig(client, caCertPEM)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}
