package oracle

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingSignature  = errors.New("oracle: permissionless update missing signature")
	ErrMalformedSigning  = errors.New("oracle: malformed signing data")
	ErrSignatureMismatch = errors.New("oracle: signature does not match authority and message")
)

// SignedPrice is a custom oracle update the custody's oracle authority
// signed off the engine. Anyone may relay it.
type SignedPrice struct {
	Custody string
	Record  PriceRecord
}

// Message is the byte string the authority signs: the custody id with a
// u32 length prefix, then price, exponent, confidence, EMA and publish
// time, all little endian.
func (s SignedPrice) Message() []byte {
	buf := make([]byte, 0, 4+len(s.Custody)+36)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.Custody)))
	buf = append(buf, s.Custody...)
	buf = binary.LittleEndian.AppendUint64(buf, s.Record.Price)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Record.Exponent))
	buf = binary.LittleEndian.AppendUint64(buf, s.Record.Confidence)
	buf = binary.LittleEndian.AppendUint64(buf, s.Record.EMA)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.Record.PublishTime))
	return buf
}

// Verify checks sig against the base64 ed25519 authority key.
func (s SignedPrice) Verify(authority string, sig []byte) error {
	if len(sig) == 0 {
		return ErrMissingSignature
	}
	key, err := DecodeAuthority(authority)
	if err != nil {
		return err
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes", ErrMalformedSigning, ed25519.SignatureSize)
	}
	if !ed25519.Verify(key, s.Message(), sig) {
		return fmt.Errorf("%w: %s", ErrSignatureMismatch, s.Custody)
	}
	return nil
}

// DecodeAuthority parses a base64 ed25519 public key.
func DecodeAuthority(authority string) (ed25519.PublicKey, error) {
	trimmed := strings.TrimSpace(authority)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: no oracle authority configured", ErrMissingSignature)
	}
	key, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: authority encoding: %v", ErrMalformedSigning, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: authority must be %d bytes", ErrMalformedSigning, ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}
