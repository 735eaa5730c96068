// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/bureau-foundation/widgets/lib/secret"
)

// ErrNoIdentity is returned by [Sealer.Open] on a seal-only Sealer.
var ErrNoIdentity = errors.New("sealed: no identity configured for decryption")

// Keypair is a freshly generated x25519 identity and its recipient.
// Close releases the identity.
type Keypair struct {
	Identity  *secret.Buffer
	Recipient string
}

// Close releases the identity memory. Idempotent.
func (k *Keypair) Close() error {
	if k.Identity == nil {
		return nil
	}
	return k.Identity.Close()
}

// GenerateKeypair creates a new x25519 identity.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating identity: %w", err)
	}
	// identity.String() necessarily makes one heap copy.
	protected, err := secret.NewFromString(identity.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting identity: %w", err)
	}
	return &Keypair{
		Identity:  protected,
		Recipient: identity.Recipient().String(),
	}, nil
}

// Sealer encrypts to a fixed recipient set and optionally decrypts with
// one identity. Safe for concurrent use.
type Sealer struct {
	recipients []age.Recipient
	identity   age.Identity
}

// NewSealer parses recipientKeys (age1... strings) and, when identity is
// non-nil, the AGE-SECRET-KEY-1... identity. The identity buffer is
// borrowed: the caller still owns and closes it.
func NewSealer(recipientKeys []string, identity *secret.Buffer) (*Sealer, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("sealed: at least one recipient is required")
	}
	sealer := &Sealer{recipients: make([]age.Recipient, 0, len(recipientKeys))}
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("sealed: recipient %q: %w", key, err)
		}
		sealer.recipients = append(sealer.recipients, recipient)
	}
	if identity != nil {
		parsed, err := age.ParseX25519Identity(identity.String())
		if err != nil {
			return nil, fmt.Errorf("sealed: identity: %w", err)
		}
		sealer.identity = parsed
	}
	return sealer, nil
}

// CanOpen reports whether the Sealer holds an identity.
func (s *Sealer) CanOpen() bool {
	return s.identity != nil
}

// Seal encrypts plaintext to every recipient.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, s.recipients...)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts ciphertext into protected memory. The caller closes the
// returned buffer.
func (s *Sealer) Open(ciphertext []byte) (*secret.Buffer, error) {
	if s.identity == nil {
		return nil, ErrNoIdentity
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: empty plaintext")
	}
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: protecting plaintext: %w", err)
	}
	return buffer, nil
}

// ParseRecipient validates an age1... recipient string.
func ParseRecipient(key string) error {
	if _, err := age.ParseX25519Recipient(key); err != nil {
		return fmt.Errorf("sealed: invalid recipient: %w", err)
	}
	return nil
}
