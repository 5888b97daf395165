// Package cipher implements the pluggable wide-block cipher modes used
// to encrypt a mesoblock-sized buffer under a deterministic IV derived
// from (seqno, slot, macro-id), grounded on original_source/src/cipher.c
// and its CBC_PLAIN/CBC_ESSIV/NULL modes.
package cipher

import (
	"crypto/aes"
	cryptocipher "crypto/cipher"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/oddcipher/scubed3/internal/logging"
	"github.com/oddcipher/scubed3/internal/serr"
)

var log = logging.For("cipher")

// blockSize is the block size every supported primitive must have (the
// design only ever targets 128-bit block ciphers).
const blockSize = 16

// IV is the 16-byte big-endian (iv0 uint64, iv1 uint32, iv2 uint32)
// triple described in §4.1's IV discipline.
type IV struct {
	Seqno uint64 // iv0
	Slot  uint32 // iv1: 0 for the index mesoblock, 1..MMPM for data
	Macro uint32 // iv2: macro-id
}

func (iv IV) bytes() [blockSize]byte {
	var b [blockSize]byte
	b[0] = byte(iv.Seqno >> 56)
	b[1] = byte(iv.Seqno >> 48)
	b[2] = byte(iv.Seqno >> 40)
	b[3] = byte(iv.Seqno >> 32)
	b[4] = byte(iv.Seqno >> 24)
	b[5] = byte(iv.Seqno >> 16)
	b[6] = byte(iv.Seqno >> 8)
	b[7] = byte(iv.Seqno)
	b[8] = byte(iv.Slot >> 24)
	b[9] = byte(iv.Slot >> 16)
	b[10] = byte(iv.Slot >> 8)
	b[11] = byte(iv.Slot)
	b[12] = byte(iv.Macro >> 24)
	b[13] = byte(iv.Macro >> 16)
	b[14] = byte(iv.Macro >> 8)
	b[15] = byte(iv.Macro)
	return b
}

// Mode names the wide-block cipher construction.
type Mode int

const (
	ModeNull Mode = iota
	ModeCBCPlain
	ModeCBCESSIV
)

// Spec is a parsed "MODE(PRIMITIVE)" cipher name.
type Spec struct {
	Mode      Mode
	Primitive string
}

var specRe = regexp.MustCompile(`^([A-Za-z_]+)\(([A-Za-z0-9_]+)\)$`)

// Parse parses a cipher name of the form MODE(PRIMITIVE), e.g.
// "CBC_ESSIV(AES256)", following the grammar of cipher_init in
// original_source/src/cipher.c.
func Parse(name string) (Spec, error) {
	m := specRe.FindStringSubmatch(name)
	if m == nil {
		return Spec{}, fmt.Errorf("cipher: malformed cipher name %q, want MODE(PRIMITIVE)", name)
	}
	mode, prim := m[1], m[2]
	var s Spec
	switch mode {
	case "NULL":
		s.Mode = ModeNull
	case "CBC_PLAIN":
		s.Mode = ModeCBCPlain
	case "CBC_ESSIV":
		s.Mode = ModeCBCESSIV
	default:
		return Spec{}, fmt.Errorf("cipher: ciphermode %s not supported", mode)
	}
	if !strings.EqualFold(prim, "AES256") {
		return Spec{}, fmt.Errorf("cipher: primitive %s not supported", prim)
	}
	s.Primitive = "AES256"
	return s, nil
}

func (s Spec) String() string {
	names := map[Mode]string{ModeNull: "NULL", ModeCBCPlain: "CBC_PLAIN", ModeCBCESSIV: "CBC_ESSIV"}
	return fmt.Sprintf("%s(%s)", names[s.Mode], s.Primitive)
}

// Cipher encrypts/decrypts a mesoblock-sized buffer deterministically,
// keyed by an IV triple. Instances are not safe for concurrent use;
// callers serialize access the same way the partition write lock does.
type Cipher struct {
	spec    Spec
	key     []byte
	locked  bool
	plain   cryptocipher.Block // AES block cipher under the raw key
	essiv   cryptocipher.Block // AES block cipher under SHA-256(key), ESSIV only
}

// Open constructs a Cipher from a parsed spec and a raw key. The key is
// copied, mlock'd when the platform allows it, and the caller's slice is
// not retained.
func Open(spec Spec, key []byte) (*Cipher, error) {
	if spec.Mode != ModeNull && len(key) != 32 {
		return nil, serr.Config(fmt.Sprintf("cipher: key length %d does not match AES-256 (want 32)", len(key)), nil)
	}

	c := &Cipher{spec: spec}
	if spec.Mode == ModeNull {
		return c, nil
	}

	c.key = make([]byte, len(key))
	copy(c.key, key)
	if err := unix.Mlock(c.key); err == nil {
		c.locked = true
	} else {
		log.WithError(err).Debug("mlock of key buffer failed, continuing unlocked")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	c.plain = block

	if spec.Mode == ModeCBCESSIV {
		sum := sha256.Sum256(c.key)
		essivBlock, err := aes.NewCipher(sum[:])
		if err != nil {
			return nil, fmt.Errorf("cipher: essiv: %w", err)
		}
		c.essiv = essivBlock
	}

	return c, nil
}

// Close wipes the retained key material. Best effort: the Go runtime
// may have copied the backing array during GC before this point, unlike
// a locked-memory gcrypt keyring.
func (c *Cipher) Close() error {
	if c.key == nil {
		return nil
	}
	for i := range c.key {
		c.key[i] = 0
	}
	if c.locked {
		_ = unix.Munlock(c.key)
	}
	return nil
}

func (c *Cipher) ivBlock(iv0 uint64, iv1, iv2 uint32) [blockSize]byte {
	return IV{Seqno: iv0, Slot: iv1, Macro: iv2}.bytes()
}

// Encrypt encrypts a buffer whose length must be a multiple of the AES
// block size, in place semantics allowed (out may alias in).
func (c *Cipher) Encrypt(out, in []byte, iv0 uint64, iv1, iv2 uint32) error {
	if len(in)%blockSize != 0 {
		return fmt.Errorf("cipher: input length %d not a multiple of block size", len(in))
	}
	if len(out) != len(in) {
		return fmt.Errorf("cipher: output length %d does not match input length %d", len(out), len(in))
	}
	if c.spec.Mode == ModeNull {
		copy(out, in)
		return nil
	}

	ivb := c.ivBlock(iv0, iv1, iv2)
	effectiveIV := ivb[:]
	if c.spec.Mode == ModeCBCESSIV {
		var newIV [blockSize]byte
		c.essiv.Encrypt(newIV[:], ivb[:])
		effectiveIV = newIV[:]
	}

	cbc := cryptocipher.NewCBCEncrypter(c.plain, effectiveIV)
	cbc.CryptBlocks(out, in)
	return nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(out, in []byte, iv0 uint64, iv1, iv2 uint32) error {
	if len(in)%blockSize != 0 {
		return fmt.Errorf("cipher: input length %d not a multiple of block size", len(in))
	}
	if len(out) != len(in) {
		return fmt.Errorf("cipher: output length %d does not match input length %d", len(out), len(in))
	}
	if c.spec.Mode == ModeNull {
		copy(out, in)
		return nil
	}

	ivb := c.ivBlock(iv0, iv1, iv2)
	effectiveIV := ivb[:]
	if c.spec.Mode == ModeCBCESSIV {
		var newIV [blockSize]byte
		c.essiv.Encrypt(newIV[:], ivb[:])
		effectiveIV = newIV[:]
	}

	cbc := cryptocipher.NewCBCDecrypter(c.plain, effectiveIV)
	cbc.CryptBlocks(out, in)
	return nil
}
