// ABOUTME: Password-sealed identity key material backed by age scrypt encryption
// ABOUTME: Generates ed25519 identity keys, seals them to disk and unlocks them with a password

package keystore

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/ssh"
)

// FileName is the name of the sealed key file inside a keystore directory.
const FileName = "key.age"

// recordVersion is bumped when the sealed record layout changes.
const recordVersion = 1

var (
	// ErrIncorrectPassword is returned when the password cannot decrypt the sealed key.
	ErrIncorrectPassword = errors.New("invalid encrypted data")

	// ErrCorrupt is returned when the sealed file decrypts but cannot be decoded.
	ErrCorrupt = errors.New("corrupt keystore record")

	// ErrEmptyPassword is returned when sealing or opening with an empty password.
	ErrEmptyPassword = errors.New("password is required")
)

// Params tunes how key material is sealed.
type Params struct {
	// WorkFactor is the scrypt log2 cost. Zero selects age's default.
	WorkFactor int
}

// Key is an unlocked identity key.
type Key struct {
	alias     string
	private   ed25519.PrivateKey
	createdAt time.Time
	id        string
}

// record is the CBOR layout stored inside the age envelope.
type record struct {
	Version   int    `cbor:"1,keyasint"`
	Alias     string `cbor:"2,keyasint"`
	Seed      []byte `cbor:"3,keyasint"`
	CreatedAt int64  `cbor:"4,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("keystore: CBOR encoder initialization failed: " + err.Error())
	}
}

// Generate creates a fresh ed25519 identity key.
func Generate(alias string) (*Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity key: %w", err)
	}
	return newKey(alias, priv, time.Now().UTC().Truncate(time.Second))
}

func newKey(alias string, priv ed25519.PrivateKey, createdAt time.Time) (*Key, error) {
	id, err := Fingerprint(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Key{alias: alias, private: priv, createdAt: createdAt, id: id}, nil
}

// ID returns the identity identifier: the lowercase hex SHA256 fingerprint of
// the SSH wire encoding of the public key.
func (k *Key) ID() string { return k.id }

// Alias returns the alias the key was created under.
func (k *Key) Alias() string { return k.alias }

// CreatedAt returns the key creation time.
func (k *Key) CreatedAt() time.Time { return k.createdAt }

// PublicKey returns the ed25519 public key.
func (k *Key) PublicKey() ed25519.PublicKey { return k.private.Public().(ed25519.PublicKey) }

// PrivateKey returns the ed25519 private key used to sign holder tokens.
func (k *Key) PrivateKey() ed25519.PrivateKey { return k.private }

// AuthorizedKey returns the public key in authorized_keys format ("ssh-ed25519 AAAA...").
func (k *Key) AuthorizedKey() string {
	pub, err := ssh.NewPublicKey(k.PublicKey())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
}

// Fingerprint computes the SHA256 fingerprint of an ed25519 public key.
// Returns lowercase hex encoding without colons.
func Fingerprint(pub ed25519.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	hash := sha256.Sum256(sshPub.Marshal())
	return hex.EncodeToString(hash[:]), nil
}

// ParseAuthorizedKey parses an authorized_keys line into an ed25519 public key.
func ParseAuthorizedKey(line string) (ed25519.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	cryptoPub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, errors.New("public key does not expose crypto key")
	}
	edPub, ok := cryptoPub.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %s", pub.Type())
	}
	return edPub, nil
}

// Seal encrypts the key with the password and writes it to dir/key.age.
// The write goes through a temporary file so a crash never leaves a half record.
func Seal(dir string, key *Key, password string, params Params) error {
	if password == "" {
		return ErrEmptyPassword
	}

	plain, err := encMode.Marshal(record{
		Version:   recordVersion,
		Alias:     key.alias,
		Seed:      key.private.Seed(),
		CreatedAt: key.createdAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("encoding key record: %w", err)
	}

	recipient, err := age.NewScryptRecipient(password)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if params.WorkFactor > 0 {
		recipient.SetWorkFactor(params.WorkFactor)
	}

	var sealed bytes.Buffer
	w, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return fmt.Errorf("encrypting key record: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return fmt.Errorf("encrypting key record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing key record: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating keystore directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, FileName+".*")
	if err != nil {
		return fmt.Errorf("creating keystore file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(sealed.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing keystore file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing keystore file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing keystore file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("installing keystore file: %w", err)
	}
	return nil
}

// Open reads dir/key.age and decrypts it with the password.
// Returns ErrIncorrectPassword when the password does not match.
func Open(dir, password string) (*Key, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}

	sealed, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("reading keystore file: %w", err)
	}

	identity, err := age.NewScryptIdentity(password)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) || errors.Is(err, age.ErrIncorrectIdentity) {
			return nil, ErrIncorrectPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var rec record
	if err := cbor.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", ErrCorrupt, rec.Version)
	}
	if len(rec.Seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: bad seed length %d", ErrCorrupt, len(rec.Seed))
	}

	return newKey(rec.Alias, ed25519.NewKeyFromSeed(rec.Seed), time.Unix(rec.CreatedAt, 0).UTC())
}

// Exists reports whether dir holds a sealed key.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, FileName))
	return err == nil
}
