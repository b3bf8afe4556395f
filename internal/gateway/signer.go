package gateway

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

const authScheme = "WECHATPAY2-SHA256-RSA2048"

// signer builds the Authorization header for merchant requests.
type signer struct {
	mchID    string
	serialNo string
	key      *rsa.PrivateKey
	now      func() time.Time
	nonce    func() string
}

// authorization signs METHOD\nURL\nTIMESTAMP\nNONCE\nBODY\n where URL is the
// path plus query.
func (s *signer) authorization(method, pathQuery string, body []byte) (string, error) {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	nonce := s.nonce()
	message := method + "\n" + pathQuery + "\n" + ts + "\n" + nonce + "\n" + string(body) + "\n"
	sig, err := signSHA256(s.key, message)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",timestamp="%s",serial_no="%s",signature="%s"`,
		authScheme, s.mchID, nonce, ts, s.serialNo, sig), nil
}

func signSHA256(key *rsa.PrivateKey, message string) (string, error) {
	h := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func verifySHA256(pub *rsa.PublicKey, message, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	h := sha256.Sum256([]byte(message))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig)
}

// decryptResource opens an AEAD_AES_256_GCM resource.
func decryptResource(key []byte, r resource) ([]byte, error) {
	if r.Algorithm != "AEAD_AES_256_GCM" {
		return nil, fmt.Errorf("unsupported algorithm %q", r.Algorithm)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(r.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(r.Nonce))
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, []byte(r.Nonce), ciphertext, []byte(r.AssociatedData))
}

func newNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
