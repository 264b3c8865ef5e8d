package network

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

const (
	alpn = "iris/1"

	// EnvDevTLSCAPath points dialers at a PEM bundle that verifies listeners.
	EnvDevTLSCAPath = "IRIS_DEVTLS_CA_PATH"

	devServerName = "localhost"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a deterministic self-signed certificate shared by every node.
// Peers authenticate each other in the session handshake; TLS only carries
// the stream.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("iris-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
		DNSNames:              []string{devServerName},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

// DevCAPEM is the PEM encoding of the listener certificate, for use with
// IRIS_DEVTLS_CA_PATH.
func DevCAPEM() ([]byte, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// clientTLSConfig verifies listeners against the CA bundle at caPath, or the
// one named by IRIS_DEVTLS_CA_PATH. With neither, or with insecure set, the
// certificate is not checked.
func clientTLSConfig(insecure bool, caPath string) (*tls.Config, error) {
	if envPath := strings.TrimSpace(os.Getenv(EnvDevTLSCAPath)); envPath != "" {
		caPath = envPath
	}
	if insecure || caPath == "" {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS13,
		}, nil
	}
	pemBytes, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, errors.New("network: no certificates in " + caPath)
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: devServerName,
		NextProtos: []string{alpn},
		MinVersion: tls.VersionTLS13,
	}, nil
}
