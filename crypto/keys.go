package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part used when rendering
// addresses.
type AddressPrefix string

const (
	// AccountPrefix is used for every account and contract address.
	AccountPrefix AddressPrefix = "loan"
	// AddressLength is the size of an account identifier in bytes.
	AddressLength = 20
	// SignatureLength is the size of a recoverable secp256k1 signature.
	SignatureLength = 65
)

var errAddressLength = errors.New("crypto: address must be 20 bytes long")

// Address identifies an account or contract. The zero value is the empty
// address and never identifies a real party.
type Address [AddressLength]byte

// BytesToAddress copies b into an address. It fails unless b is exactly 20
// bytes long.
func BytesToAddress(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLength {
		return a, errAddressLength
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(AccountPrefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return append([]byte(nil), a[:]...)
}

// IsZero reports whether a is the empty address.
func (a Address) IsZero() bool { return a == Address{} }

// MarshalText renders the bech32 form so addresses read naturally in JSON.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText parses the bech32 form.
func (a *Address) UnmarshalText(text []byte) error {
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if AddressPrefix(prefix) != AccountPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return BytesToAddress(conv)
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	var addr Address
	copy(addr[:], crypto.PubkeyToAddress(*k.PublicKey).Bytes())
	return addr
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) [32]byte {
	return [32]byte(crypto.Keccak256Hash(data...))
}

// Sign produces a recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest [32]byte) ([]byte, error) {
	return crypto.Sign(digest[:], k.PrivateKey)
}

// RecoverAddress returns the address whose key produced sig over digest.
func RecoverAddress(digest [32]byte, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return Address{}, fmt.Errorf("crypto: signature must be %d bytes", SignatureLength)
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: recover signer: %w", err)
	}
	return (&PublicKey{pub}).Address(), nil
}
