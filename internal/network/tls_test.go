package network

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func writeDevCA(t *testing.T) string {
	t.Helper()
	pemBytes, err := DevCAPEM()
	if err != nil {
		t.Fatalf("DevCAPEM: %v", err)
	}
	caPath := filepath.Join(t.TempDir(), "devtls_ca.pem")
	if err := os.WriteFile(caPath, pemBytes, 0600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	return caPath
}

func TestDevCertIsStable(t *testing.T) {
	_, a, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	_, b, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("dev certificate differs between calls")
	}
	pemBytes, err := DevCAPEM()
	if err != nil {
		t.Fatalf("DevCAPEM: %v", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		t.Fatalf("no pem block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cert.VerifyHostname(devServerName); err != nil {
		t.Fatalf("hostname: %v", err)
	}
}

func TestClientTLSConfigUsesEnvDevTLSCAPath(t *testing.T) {
	t.Setenv(EnvDevTLSCAPath, writeDevCA(t))
	conf, err := clientTLSConfig(false, "/nonexistent")
	if err != nil {
		t.Fatalf("clientTLSConfig with env override: %v", err)
	}
	if conf.InsecureSkipVerify || conf.RootCAs == nil {
		t.Fatalf("expected verifying config")
	}
}

func TestClientTLSConfigUsesExplicitDevTLSCAPath(t *testing.T) {
	t.Setenv(EnvDevTLSCAPath, "")
	conf, err := clientTLSConfig(false, writeDevCA(t))
	if err != nil {
		t.Fatalf("clientTLSConfig with explicit path: %v", err)
	}
	if conf.ServerName != devServerName {
		t.Fatalf("server name %q", conf.ServerName)
	}
}

func TestClientTLSConfigWithoutCAIsInsecure(t *testing.T) {
	t.Setenv(EnvDevTLSCAPath, "")
	conf, err := clientTLSConfig(false, "")
	if err != nil {
		t.Fatalf("clientTLSConfig: %v", err)
	}
	if !conf.InsecureSkipVerify {
		t.Fatalf("expected insecure config without a CA")
	}
}

func TestClientTLSConfigRejectsEmptyBundle(t *testing.T) {
	t.Setenv(EnvDevTLSCAPath, "")
	path := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(path, []byte("nothing"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := clientTLSConfig(false, path); err == nil {
		t.Fatalf("expected error for empty bundle")
	}
}
