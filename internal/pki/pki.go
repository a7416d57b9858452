// Package pki issues the certificates that secure the broker's TCP endpoint.
// A private CA signs one broker certificate and one client certificate; both
// sides require the other to chain to that CA.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const (
	DirName = "pki"

	CAValidity   = 5 * 365 * 24 * time.Hour
	LeafValidity = 365 * 24 * time.Hour
	organization = "dbanative"
	brokerCN     = "dbanative broker"
	clientCN     = "dbanative client"
)

// CertBundle holds a certificate and its private key in PEM-encoded form.
type CertBundle struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Material is the full set of broker TLS files.
type Material struct {
	CA     *CertBundle
	Broker *CertBundle
	Client *CertBundle
}

// Dir returns the certificate directory under a state directory.
func Dir(stateDir string) string {
	return filepath.Join(stateDir, DirName)
}

type certFile struct {
	cert, key string
}

var (
	caFiles     = certFile{"ca.crt", "ca.key"}
	brokerFiles = certFile{"broker.crt", "broker.key"}
	clientFiles = certFile{"client.crt", "client.key"}
)

// Ensure loads the material in dir, issuing whatever is missing. A new CA
// reissues both leaves. hosts are added to the broker certificate's SANs.
func Ensure(dir string, hosts []string) (*Material, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	m := &Material{}
	var err error
	fresh := false

	m.CA, err = readBundle(dir, caFiles)
	if errors.Is(err, os.ErrNotExist) {
		if m.CA, err = GenerateCA(CAValidity); err != nil {
			return nil, err
		}
		if err := writeBundle(dir, caFiles, m.CA); err != nil {
			return nil, err
		}
		fresh = true
	} else if err != nil {
		return nil, err
	}

	m.Broker, err = ensureLeaf(dir, brokerFiles, fresh, func() (*CertBundle, error) {
		return GenerateBrokerCert(m.CA, hosts, LeafValidity)
	})
	if err != nil {
		return nil, err
	}
	m.Client, err = ensureLeaf(dir, clientFiles, fresh, func() (*CertBundle, error) {
		return GenerateClientCert(m.CA, clientCN, LeafValidity)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func ensureLeaf(dir string, f certFile, reissue bool, issue func() (*CertBundle, error)) (*CertBundle, error) {
	if !reissue {
		b, err := readBundle(dir, f)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	b, err := issue()
	if err != nil {
		return nil, err
	}
	return b, writeBundle(dir, f, b)
}

// LoadClient reads the CA certificate and client bundle from dir.
func LoadClient(dir string) (client *CertBundle, caCertPEM []byte, err error) {
	client, err = readBundle(dir, clientFiles)
	if err != nil {
		return nil, nil, err
	}
	caCertPEM, err = os.ReadFile(filepath.Join(dir, caFiles.cert))
	if err != nil {
		return nil, nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	return client, caCertPEM, nil
}

func readBundle(dir string, f certFile) (*CertBundle, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, f.cert))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, f.key))
	if err != nil {
		return nil, err
	}
	return &CertBundle{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

func writeBundle(dir string, f certFile, b *CertBundle) error {
	if err := os.WriteFile(filepath.Join(dir, f.cert), b.CertPEM, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", f.cert, err)
	}
	if err := os.WriteFile(filepath.Join(dir, f.key), b.KeyPEM, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", f.key, err)
	}
	return nil
}

// GenerateCA creates a self-signed ECDSA P-256 certificate authority.
func GenerateCA(validity time.Duration) (*CertBundle, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   "dbanative CA",
		},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	return bundleFromDER(certDER, key)
}

// GenerateBrokerCert issues a server certificate for the broker. localhost
// and 127.0.0.1 are always included.
func GenerateBrokerCert(ca *CertBundle, hosts []string, validity time.Duration) (*CertBundle, error) {
	template := &x509.Certificate{
		Subject:     pkix.Name{Organization: []string{organization}, CommonName: brokerCN},
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range slices.Concat(hosts, []string{"localhost", "127.0.0.1"}) {
		if ip := net.ParseIP(h); ip != nil {
			if !slices.ContainsFunc(template.IPAddresses, ip.Equal) {
				template.IPAddresses = append(template.IPAddresses, ip)
			}
		} else if h != "" && !slices.Contains(template.DNSNames, h) {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return issue(ca, template, validity)
}

// GenerateClientCert issues a client certificate with name as Common Name.
func GenerateClientCert(ca *CertBundle, name string, validity time.Duration) (*CertBundle, error) {
	template := &x509.Certificate{
		Subject:     pkix.Name{Organization: []string{organization}, CommonName: name},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return issue(ca, template, validity)
}

func issue(ca *CertBundle, template *x509.Certificate, validity time.Duration) (*CertBundle, error) {
	caCert, caKey, err := parseCA(ca)
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key for %s: %w", template.Subject.CommonName, err)
	}
	if template.SerialNumber, err = randomSerial(); err != nil {
		return nil, err
	}
	now := time.Now()
	template.NotBefore = now
	template.NotAfter = now.Add(validity)

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating certificate for %s: %w", template.Subject.CommonName, err)
	}
	return bundleFromDER(certDER, key)
}

// ParseCertificate parses a PEM-encoded certificate.
func ParseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM data found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parseCA(ca *CertBundle) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	caCert, err := ParseCertificate(ca.CertPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(ca.KeyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("invalid CA key PEM")
	}
	caKey, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA key: %w", err)
	}
	return caCert, caKey, nil
}

func bundleFromDER(certDER []byte, key *ecdsa.PrivateKey) (*CertBundle, error) {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling key: %w", err)
	}
	return &CertBundle{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}
