package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"net"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "tsp.example", "10.1.2.3")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity != 24*time.Hour {
		t.Errorf("validity = %v, want 24h", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if sha256.Sum256(cert.TLSCert.Certificate[0]) != cert.Fingerprint {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}

	names := map[string]bool{}
	for _, n := range x509Cert.DNSNames {
		names[n] = true
	}
	if !names["localhost"] || !names["tsp.example"] {
		t.Errorf("DNS names = %v", x509Cert.DNSNames)
	}
	foundIP := false
	for _, ip := range x509Cert.IPAddresses {
		if ip.Equal(net.ParseIP("10.1.2.3")) {
			foundIP = true
		}
	}
	if !foundIP {
		t.Errorf("IP addresses = %v", x509Cert.IPAddresses)
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity != DefaultValidity {
		t.Errorf("validity = %v, want %v", validity, DefaultValidity)
	}
}

func TestGenerateUnique(t *testing.T) {
	t.Parallel()
	c1, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if c1.Fingerprint == c2.Fingerprint {
		t.Error("two generated certs have the same fingerprint")
	}
}

func TestPinnedClientConfig(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	conf, err := PinnedClientConfig(cert.FingerprintBase64(), "tsp")
	if err != nil {
		t.Fatalf("PinnedClientConfig failed: %v", err)
	}
	if len(conf.NextProtos) != 1 || conf.NextProtos[0] != "tsp" {
		t.Errorf("NextProtos = %v", conf.NextProtos)
	}
	if err := conf.VerifyPeerCertificate(cert.TLSCert.Certificate, nil); err != nil {
		t.Errorf("matching cert rejected: %v", err)
	}
	if err := conf.VerifyPeerCertificate(other.TLSCert.Certificate, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("other cert: err = %v, want ErrFingerprintMismatch", err)
	}
	if err := conf.VerifyPeerCertificate(nil, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("no cert: err = %v, want ErrFingerprintMismatch", err)
	}

	if _, err := PinnedClientConfig("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := PinnedClientConfig("AAAA"); err == nil {
		t.Error("expected error for short fingerprint")
	}
}
