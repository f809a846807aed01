package cluster

import (
	"testing"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name     string
		expected *Cluster
	}{
		{"localnet", Localnet()},
		{"devnet", Devnet()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := r.Get(tt.name)
			if c == nil {
				t.Fatalf("expected %s to be registered, got nil", tt.name)
			}
			if c.Env != tt.expected.Env {
				t.Errorf("Env mismatch: got %s, want %s", c.Env, tt.expected.Env)
			}
			if !c.ProgramID.Equals(tt.expected.ProgramID) {
				t.Errorf("ProgramID mismatch: got %s, want %s", c.ProgramID, tt.expected.ProgramID)
			}
			if c.LocalClone != tt.expected.LocalClone {
				t.Errorf("LocalClone mismatch for %s: got %v, want %v", tt.name, c.LocalClone, tt.expected.LocalClone)
			}
		})
	}
}

func TestLocalnetUsesMainnetEnv(t *testing.T) {
	c := Localnet()
	if c.Env != "mainnet" {
		t.Errorf("localnet is a mainnet clone, Env = %q", c.Env)
	}
	if !c.OracleProgramID.Equals(MainnetOracleProgramID) {
		t.Errorf("OracleProgramID = %s", c.OracleProgramID)
	}
}

func TestRegistryUnknown(t *testing.T) {
	r := DefaultRegistry()
	if c := r.Get("mainnet-beta"); c != nil {
		t.Errorf("expected nil for unknown cluster, got %+v", c)
	}
}

func TestRegistryRegisterCustom(t *testing.T) {
	r := NewRegistry()
	r.Register(nil)

	custom := Localnet()
	custom.Name = "ci"
	custom.RPCURL = "http://validator:8899"
	r.Register(custom)

	got := r.Get("ci")
	if got == nil || got.RPCURL != "http://validator:8899" {
		t.Fatalf("custom cluster not registered: %+v", got)
	}

	names := r.Names()
	if len(names) != 1 || names[0] != "ci" {
		t.Errorf("Names() = %v, want [ci]", names)
	}
}

func TestClusterString(t *testing.T) {
	var c *Cluster
	if c.String() != "unknown" {
		t.Errorf("nil cluster String() = %q", c.String())
	}
	if Devnet().String() != "devnet" {
		t.Errorf("Devnet().String() = %q", Devnet().String())
	}
}
