package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const keyFilePerm = 0600

var ErrInvalidSignature = errors.New("splinter: invalid signature")

// Signer produces signatures verifiable against the node's registered
// public key.
type Signer interface {
	PublicKey() []byte
	Sign(message []byte) ([]byte, error)
}

// Verify checks a signature against a registered public key.
func Verify(pubKey, message, signature []byte) error {
	if len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("public key size %d: %w", len(pubKey), ErrInvalidSignature)
	}
	if len(signature) == 0 {
		return fmt.Errorf("empty signature: %w", ErrInvalidSignature)
	}
	if !ed25519.Verify(pubKey, message, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// FileSigner is a file-backed ed25519 signing key. The key file is created
// on first use and reloaded afterwards.
type FileSigner struct {
	mu      sync.Mutex
	path    string
	pubKey  ed25519.PublicKey
	privKey ed25519.PrivateKey
}

type keyFile struct {
	PubKey  string `json:"pub_key"`
	PrivKey string `json:"priv_key"`
}

func NewFileSigner(path string) (*FileSigner, error) {
	fs := &FileSigner{path: filepath.Clean(path)}
	if err := fs.loadOrGenerate(); err != nil {
		return nil, err
	}
	return fs, nil
}

// NewEphemeralSigner generates a throwaway key, used in tests.
func NewEphemeralSigner() (*FileSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &FileSigner{pubKey: pub, privKey: priv}, nil
}

func (fs *FileSigner) PublicKey() []byte {
	out := make([]byte, len(fs.pubKey))
	copy(out, fs.pubKey)
	return out
}

func (fs *FileSigner) Sign(message []byte) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.privKey) != ed25519.PrivateKeySize {
		return nil, errors.New("signing key not loaded")
	}
	return ed25519.Sign(fs.privKey, message), nil
}

func (fs *FileSigner) loadOrGenerate() error {
	data, err := os.ReadFile(fs.path)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return fmt.Errorf("failed to parse key file %s: %w", fs.path, err)
		}
		pub, err := hex.DecodeString(kf.PubKey)
		if err != nil {
			return fmt.Errorf("failed to decode public key: %w", err)
		}
		priv, err := hex.DecodeString(kf.PrivKey)
		if err != nil {
			return fmt.Errorf("failed to decode private key: %w", err)
		}
		if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
			return fmt.Errorf("malformed key material in %s", fs.path)
		}
		fs.pubKey = ed25519.PublicKey(pub)
		fs.privKey = ed25519.PrivateKey(priv)
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}
	kf := keyFile{PubKey: hex.EncodeToString(pub), PrivKey: hex.EncodeToString(priv)}
	data, err = json.Marshal(kf)
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0750); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(fs.path, data, keyFilePerm); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	fs.pubKey = pub
	fs.privKey = priv
	return nil
}
