package keys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
)

// RFC 8032 test vector 1.
const (
	testSeed   = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"
	testPubkey = "FVen3X669xLzsi6N2V91DoiyzHzg1uAgqiT8jZ9nS96Z"
)

func TestFromSeedHex(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain hex", testSeed, false},
		{"trailing newline", testSeed + "\n", false},
		{"0x prefix", "0x" + testSeed, false},
		{"short seed", testSeed[:62], true},
		{"not hex", "zz" + testSeed[2:], true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kp, err := FromSeedHex(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromSeedHex() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := kp.PublicKey().String(); got != testPubkey {
				t.Errorf("PublicKey() = %s, want %s", got, testPubkey)
			}
			if kp.SeedHex() != "0x"+testSeed {
				t.Errorf("SeedHex() = %s", kp.SeedHex())
			}
		})
	}
}

func writeKey(t *testing.T, dir, name string, kp *Keypair) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(kp.SeedHex()[2:]), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDirSortedAndLimited(t *testing.T) {
	dir := t.TempDir()
	names := []string{"3.secret", "1.secret", "2.secret"}
	for _, name := range names {
		kp, err := Generate()
		if err != nil {
			t.Fatal(err)
		}
		writeKey(t, dir, name, kp)
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	all, err := LoadDir(dir, 0)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("loaded %d keys, want 3", len(all))
	}
	for i, want := range []string{"1.secret", "2.secret", "3.secret"} {
		if all[i].Name != want {
			t.Errorf("all[%d].Name = %s, want %s", i, all[i].Name, want)
		}
	}

	limited, err := LoadDir(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[1].Name != "2.secret" {
		t.Errorf("limited = %d keys", len(limited))
	}
}

func TestLoadDirBadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "1.secret"), []byte("nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDir(dir, 0); err == nil {
		t.Fatal("expected error for malformed key file")
	}
}

func TestSplitAdmin(t *testing.T) {
	a, _ := Generate()
	a.Name = "1.secret"
	b, _ := Generate()
	b.Name = "2.secret"

	admin, agents, err := SplitAdmin([]*Keypair{b, a}, "")
	if err != nil {
		t.Fatalf("SplitAdmin() error = %v", err)
	}
	if admin != a || len(agents) != 1 || agents[0] != b {
		t.Errorf("SplitAdmin() = %v, %v", admin, agents)
	}

	if _, _, err := SplitAdmin([]*Keypair{b}, ""); !errors.Is(err, ErrNoAdmin) {
		t.Errorf("expected ErrNoAdmin, got %v", err)
	}
}

func TestUserAccountAddress(t *testing.T) {
	program := solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH")
	authority := solana.MustPublicKeyFromBase58(testPubkey)

	sub0, err := UserAccountAddress(program, authority, 0)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := UserAccountAddress(program, authority, 0)
	if !sub0.Equals(again) {
		t.Error("derivation is not deterministic")
	}
	sub1, _ := UserAccountAddress(program, authority, 1)
	if sub0.Equals(sub1) {
		t.Error("sub-accounts 0 and 1 derived the same address")
	}

	want, _, err := solana.FindProgramAddress([][]byte{[]byte("user"), authority[:], {1, 0}}, program)
	if err != nil {
		t.Fatal(err)
	}
	if !sub1.Equals(want) {
		t.Errorf("sub-account id must be little-endian: got %s, want %s", sub1, want)
	}
}

func TestAccountStems(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"abc.json", "def"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	stems, err := AccountStems(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"abc", "def"} {
		if _, ok := stems[want]; !ok {
			t.Errorf("missing stem %q in %v", want, stems)
		}
	}
}

func TestLoadForAuthority(t *testing.T) {
	dir := t.TempDir()
	kp, _ := FromSeedHex(testSeed)
	writeKey(t, dir, testPubkey+SecretExt, kp)

	got, err := LoadForAuthority(dir, kp.PublicKey())
	if err != nil {
		t.Fatalf("LoadForAuthority() error = %v", err)
	}
	if !got.PublicKey().Equals(kp.PublicKey()) {
		t.Errorf("loaded %s, want %s", got.PublicKey(), kp.PublicKey())
	}
}
