package gateway

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseKeys(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	pkcs8, _ := x509.MarshalPKCS8PrivateKey(key)
	pkcs1 := x509.MarshalPKCS1PrivateKey(key)
	for name, der := range map[string][]byte{"PRIVATE KEY": pkcs8, "RSA PRIVATE KEY": pkcs1} {
		got, err := ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: name, Bytes: der}))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !got.Equal(key) {
			t.Fatalf("%s: key mismatch", name)
		}
	}

	spki, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "platform"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	cert, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	blocks := map[string][]byte{
		"PUBLIC KEY":     spki,
		"RSA PUBLIC KEY": x509.MarshalPKCS1PublicKey(&key.PublicKey),
		"CERTIFICATE":    cert,
	}
	for name, der := range blocks {
		got, err := ParsePublicKey(pem.EncodeToMemory(&pem.Block{Type: name, Bytes: der}))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !got.Equal(&key.PublicKey) {
			t.Fatalf("%s: key mismatch", name)
		}
	}

	if _, err := ParsePublicKey([]byte("garbage")); err == nil {
		t.Fatalf("expected error for non-PEM input")
	}
}

func TestLoadPrivateKeyFile(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 1024)
	path := filepath.Join(t.TempDir(), "apiclient_key.pem")
	pkcs8, _ := x509.MarshalPKCS8PrivateKey(key)
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPrivateKeyFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := LoadPrivateKeyFile(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestAuthorizationHeader(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 1024)
	s := &signer{
		mchID:    "1900000001",
		serialNo: "SERIAL",
		key:      key,
		now:      func() time.Time { return time.Unix(1700000000, 0) },
		nonce:    func() string { return "NONCE" },
	}
	auth, err := s.authorization("GET", "/v3/pay/transactions/out-trade-no/X?mchid=1900000001", nil)
	if err != nil {
		t.Fatalf("authorization: %v", err)
	}
	want := `WECHATPAY2-SHA256-RSA2048 mchid="1900000001",nonce_str="NONCE",timestamp="1700000000",serial_no="SERIAL",signature="`
	if len(auth) <= len(want) || auth[:len(want)] != want {
		t.Fatalf("unexpected header %q", auth)
	}
	sig := auth[len(want) : len(auth)-1]
	msg := "GET\n/v3/pay/transactions/out-trade-no/X?mchid=1900000001\n1700000000\nNONCE\n\n"
	if err := verifySHA256(&key.PublicKey, msg, sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}
