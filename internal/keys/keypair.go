// Package keys loads the simulator's wallets and derives their user accounts.
package keys

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gagliardetto/solana-go"
)

// DefaultAdminFile is the keypair file holding the exchange admin.
const DefaultAdminFile = "1.secret"

// SecretExt is the extension of keypair files.
const SecretExt = ".secret"

// ErrNoAdmin is returned when the admin keypair is not among the loaded files.
var ErrNoAdmin = errors.New("admin keypair not found")

// Keypair is an ed25519 wallet loaded from a seed file.
type Keypair struct {
	// Name is the file name the key was loaded from, empty for generated keys.
	Name    string
	Private solana.PrivateKey
}

// PublicKey returns the wallet address.
func (k *Keypair) PublicKey() solana.PublicKey {
	return k.Private.PublicKey()
}

// SeedHex returns the 0x-prefixed hex seed, the format the gateway accepts.
func (k *Keypair) SeedHex() string {
	return hexutil.Encode(ed25519.PrivateKey(k.Private).Seed())
}

// FromSeedHex creates a keypair from a hex-encoded 32-byte seed.
// Surrounding whitespace and an optional 0x prefix are accepted.
func FromSeedHex(s string) (*Keypair, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	seed, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return &Keypair{Private: solana.PrivateKey(ed25519.NewKeyFromSeed(seed))}, nil
}

// Generate creates a random keypair.
func Generate() (*Keypair, error) {
	pk, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{Private: pk}, nil
}

// Load reads a keypair file.
func Load(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	kp, err := FromSeedHex(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	kp.Name = filepath.Base(path)
	return kp, nil
}

// LoadForAuthority reads <authority>.secret from dir.
func LoadForAuthority(dir string, authority solana.PublicKey) (*Keypair, error) {
	return Load(filepath.Join(dir, authority.String()+SecretExt))
}

// LoadDir reads keypair files from dir sorted by name.
// At most limit files are read; limit <= 0 reads all of them.
func LoadDir(dir string, limit int) ([]*Keypair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read keypairs dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	keys := make([]*Keypair, 0, len(names))
	for _, name := range names {
		kp, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		keys = append(keys, kp)
	}
	return keys, nil
}

// SplitAdmin separates the admin keypair (by file name) from the agents.
func SplitAdmin(all []*Keypair, adminFile string) (*Keypair, []*Keypair, error) {
	if adminFile == "" {
		adminFile = DefaultAdminFile
	}
	var admin *Keypair
	agents := make([]*Keypair, 0, len(all))
	for _, kp := range all {
		if kp.Name == adminFile {
			admin = kp
			continue
		}
		agents = append(agents, kp)
	}
	if admin == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoAdmin, adminFile)
	}
	return admin, agents, nil
}

// UserAccountAddress derives the exchange user account for an authority and
// sub-account from seeds ["user", authority, le_u16(subAccountID)].
func UserAccountAddress(programID, authority solana.PublicKey, subAccountID uint16) (solana.PublicKey, error) {
	sub := make([]byte, 2)
	binary.LittleEndian.PutUint16(sub, subAccountID)
	addr, _, err := solana.FindProgramAddress([][]byte{
		[]byte("user"),
		authority[:],
		sub,
	}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive user account for %s/%d: %w", authority, subAccountID, err)
	}
	return addr, nil
}

// AccountStems returns the set of file names in dir stripped of extensions.
// The accounts dir holds one file per user account address.
func AccountStems(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read accounts dir: %w", err)
	}
	stems := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		name := e.Name()
		stems[strings.TrimSuffix(name, filepath.Ext(name))] = struct{}{}
	}
	return stems, nil
}
