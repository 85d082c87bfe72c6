package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"audiohub/server/internal/config"
)

// certValidity is how long a freshly generated self-signed certificate is
// valid for before it needs regenerating.
const certValidity = 365 * 24 * time.Hour

// ensureTLSMaterial resolves the cert/key file pair the hub should serve
// with: SSL_CERTFILE/SSL_KEYFILE from configuration if both are set, or a
// self-signed pair generated on first run and persisted under cfg.CertDir
// so the fingerprint survives restarts instead of rotating every run.
func ensureTLSMaterial(cfg config.Config) (certFile, keyFile, fingerprint string, err error) {
	if cfg.SSLCertFile != "" && cfg.SSLKeyFile != "" {
		fp, ferr := fingerprintFromFile(cfg.SSLCertFile)
		if ferr != nil {
			return "", "", "", fmt.Errorf("read configured certificate: %w", ferr)
		}
		return cfg.SSLCertFile, cfg.SSLKeyFile, fp, nil
	}

	if err := os.MkdirAll(cfg.CertDir, 0o755); err != nil {
		return "", "", "", fmt.Errorf("create cert directory: %w", err)
	}
	certPath := filepath.Join(cfg.CertDir, "hub.crt")
	keyPath := filepath.Join(cfg.CertDir, "hub.key")

	if fp, ferr := fingerprintFromFile(certPath); ferr == nil {
		if _, statErr := os.Stat(keyPath); statErr == nil {
			return certPath, keyPath, fp, nil
		}
	}

	fp, err := generateSelfSigned(certPath, keyPath, cfg.HubHost)
	if err != nil {
		return "", "", "", err
	}
	return certPath, keyPath, fp, nil
}

// generateSelfSigned writes a freshly minted self-signed certificate/key
// pair to the given paths and returns its SHA-256 fingerprint.
func generateSelfSigned(certPath, keyPath, hostname string) (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", fmt.Errorf("generate serial: %w", err)
	}

	cn := "audiohub"
	if hostname != "" {
		cn = hostname
	}
	sans := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		sans = append(sans, hostname)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return "", fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", certDER, 0o644); err != nil {
		return "", err
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return "", err
	}

	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:]), nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

// fingerprintFromFile returns the SHA-256 fingerprint of the first
// certificate in a PEM file, for logging and for detecting a cert already
// persisted from a prior run.
func fingerprintFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", fmt.Errorf("no PEM block in %s", path)
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return "", fmt.Errorf("parse certificate in %s: %w", path, err)
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}
