package main

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"audiohub/server/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.CertDir = t.TempDir()
	cfg.HubHost = "hub.example"
	return cfg
}

func TestEnsureTLSMaterialGeneratesSelfSignedCert(t *testing.T) {
	cfg := testConfig(t)

	certFile, keyFile, fingerprint, err := ensureTLSMaterial(cfg)
	if err != nil {
		t.Fatalf("ensureTLSMaterial: %v", err)
	}
	if fingerprint == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if len(fingerprint) != 64 {
		t.Errorf("fingerprint length: got %d, want 64", len(fingerprint))
	}
	if filepath.Dir(certFile) != cfg.CertDir {
		t.Errorf("cert written outside CertDir: %s", certFile)
	}
	if keyFile == certFile {
		t.Error("cert and key paths must differ")
	}

	fp, err := fingerprintFromFile(certFile)
	if err != nil {
		t.Fatalf("read back generated cert: %v", err)
	}
	if fp != fingerprint {
		t.Errorf("fingerprint mismatch: generated %q, read back %q", fingerprint, fp)
	}
}

func TestEnsureTLSMaterialReusesExistingCert(t *testing.T) {
	cfg := testConfig(t)

	_, _, fp1, err := ensureTLSMaterial(cfg)
	if err != nil {
		t.Fatalf("first ensureTLSMaterial: %v", err)
	}
	_, _, fp2, err := ensureTLSMaterial(cfg)
	if err != nil {
		t.Fatalf("second ensureTLSMaterial: %v", err)
	}
	if fp1 != fp2 {
		t.Error("restarting the hub should reuse the persisted certificate, not rotate it")
	}
}

func TestGenerateSelfSignedIsValidAndSelfSigned(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "hub.crt")
	keyFile := filepath.Join(dir, "hub.key")

	if _, err := generateSelfSigned(certFile, keyFile, "hub.example"); err != nil {
		t.Fatalf("generateSelfSigned: %v", err)
	}

	fp, err := fingerprintFromFile(certFile)
	if err != nil {
		t.Fatalf("fingerprintFromFile: %v", err)
	}
	if fp == "" {
		t.Fatal("expected a fingerprint")
	}

	data, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	block, _ := pem.Decode(data)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		t.Errorf("expected certificate to be signed by its own key: %v", err)
	}

	// Two independently generated certificates must not collide.
	certFile2 := filepath.Join(dir, "hub2.crt")
	keyFile2 := filepath.Join(dir, "hub2.key")
	if _, err := generateSelfSigned(certFile2, keyFile2, "hub.example"); err != nil {
		t.Fatalf("generateSelfSigned (second): %v", err)
	}
	fp2, err := fingerprintFromFile(certFile2)
	if err != nil {
		t.Fatalf("fingerprintFromFile (second): %v", err)
	}
	if fp == fp2 {
		t.Error("two independently generated certificates should not share a fingerprint")
	}
}

func TestEnsureTLSMaterialUsesConfiguredFiles(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "provided.crt")
	keyFile := filepath.Join(dir, "provided.key")
	if _, err := generateSelfSigned(certFile, keyFile, "configured.example"); err != nil {
		t.Fatalf("seed configured cert: %v", err)
	}

	cfg := config.Default()
	cfg.SSLCertFile = certFile
	cfg.SSLKeyFile = keyFile

	gotCert, gotKey, fingerprint, err := ensureTLSMaterial(cfg)
	if err != nil {
		t.Fatalf("ensureTLSMaterial: %v", err)
	}
	if gotCert != certFile || gotKey != keyFile {
		t.Errorf("expected configured paths to pass through unchanged, got cert=%s key=%s", gotCert, gotKey)
	}
	if fingerprint == "" {
		t.Error("expected a fingerprint for the configured certificate")
	}
}

func TestFingerprintFromFileRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.crt")
	if err := writePEM(path, "NOT A CERTIFICATE", []byte("not der data"), 0o644); err != nil {
		t.Fatalf("writePEM: %v", err)
	}
	if _, err := fingerprintFromFile(path); err == nil {
		t.Error("expected an error parsing a non-certificate PEM block")
	}
}
