package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
)

func TestGeneratePemKeypair(t *testing.T) {
	pair, err := GeneratePemKeypair()
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}
	if !strings.Contains(pair.Private, "BEGIN RSA PRIVATE KEY") {
		t.Error("Private key should be PKCS#1 PEM")
	}
	if !strings.Contains(pair.Public, "BEGIN PUBLIC KEY") {
		t.Error("Public key should be PKIX PEM")
	}

	priv, err := ParsePrivateKeyPem(pair.Private)
	if err != nil {
		t.Fatalf("ParsePrivateKeyPem failed: %v", err)
	}
	pub, err := ParsePublicKeyPem(pair.Public)
	if err != nil {
		t.Fatalf("ParsePublicKeyPem failed: %v", err)
	}
	if !priv.PublicKey.Equal(pub) {
		t.Error("Expected public key to match private key")
	}
}

func TestParseKeysAlternateEncodings(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey failed: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	if _, err := ParsePrivateKeyPem(string(privPEM)); err != nil {
		t.Errorf("Expected PKCS#8 private key to parse: %v", err)
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})
	if _, err := ParsePublicKeyPem(string(pubPEM)); err != nil {
		t.Errorf("Expected PKCS#1 public key to parse: %v", err)
	}
}

func TestParseKeysInvalid(t *testing.T) {
	if _, err := ParsePrivateKeyPem("not pem"); err == nil {
		t.Error("Expected error for invalid private key")
	}
	if _, err := ParsePublicKeyPem("not pem"); err == nil {
		t.Error("Expected error for invalid public key")
	}
}
