package identity_test

import (
	"strings"
	"testing"
	"time"

	"github.com/veilhedge/ledger-engine/internal/identity"
)

const (
	owner   = "0x1111111111111111111111111111111111111111"
	binding = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

func TestDeriveProxyAddress_Deterministic(t *testing.T) {
	a := identity.DeriveProxyAddress(owner, 7, binding)
	b := identity.DeriveProxyAddress(owner, 7, binding)
	if a != b {
		t.Errorf("same inputs produced different addresses: %s vs %s", a, b)
	}
}

func TestDeriveProxyAddress_Format(t *testing.T) {
	addr := identity.DeriveProxyAddress(owner, 0, binding)
	if !strings.HasPrefix(addr, "0x") {
		t.Errorf("address missing 0x prefix: %s", addr)
	}
	if len(addr) != 42 {
		t.Errorf("address length = %d, want 42 (20 bytes hex)", len(addr))
	}
}

func TestDeriveProxyAddress_SensitiveToEachInput(t *testing.T) {
	base := identity.DeriveProxyAddress(owner, 7, binding)

	cases := map[string]string{
		"owner":   identity.DeriveProxyAddress("0x2222222222222222222222222222222222222222", 7, binding),
		"nonce":   identity.DeriveProxyAddress(owner, 8, binding),
		"binding": identity.DeriveProxyAddress(owner, 7, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
	}

	for name, derived := range cases {
		if derived == base {
			t.Errorf("changing %s did not change the derived address", name)
		}
	}
}

func TestDeriveProxyAddress_CaseInsensitiveHexInputs(t *testing.T) {
	lower := identity.DeriveProxyAddress(owner, 3, binding)
	upper := identity.DeriveProxyAddress(strings.ToUpper(owner), 3, strings.ToUpper(binding))
	if lower != upper {
		t.Error("checksummed and lowercase spellings should derive the same proxy")
	}
}

func TestDeriveIdentity_NoPrivateKey(t *testing.T) {
	id := identity.DeriveIdentity(owner, 1, binding)

	if !id.HasNoPrivateKey {
		t.Error("proxy identity must always report HasNoPrivateKey")
	}
	if id.ProxyAddress != identity.DeriveProxyAddress(owner, 1, binding) {
		t.Error("DeriveIdentity disagrees with DeriveProxyAddress")
	}
	if id.OwnerAddress != owner || id.Nonce != 1 || id.BindingHash != binding {
		t.Error("identity should echo its derivation inputs")
	}
}

func TestGenerateCommitment_Rederivable(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := identity.GenerateCommitment("owner-secret", "hedge-42", ts)
	b := identity.GenerateCommitment("owner-secret", "hedge-42", ts)

	if a != b {
		t.Error("same inputs must recompute the identical commitment tuple")
	}
}

func TestGenerateCommitment_FieldsAreIndependent(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := identity.GenerateCommitment("owner-secret", "hedge-42", ts)

	if c.CommitmentHash == c.Nullifier || c.CommitmentHash == c.MerkleRoot || c.Nullifier == c.MerkleRoot {
		t.Errorf("domain tags failed to separate fields: %+v", c)
	}
	for name, h := range map[string]string{
		"commitment": c.CommitmentHash,
		"nullifier":  c.Nullifier,
		"merkleRoot": c.MerkleRoot,
	} {
		if !strings.HasPrefix(h, "0x") || len(h) != 66 {
			t.Errorf("%s is not a 32-byte hex hash: %s", name, h)
		}
	}
}

func TestGenerateCommitment_NullifierUniquePerHedge(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := identity.GenerateCommitment("owner-secret", "hedge-42", ts)
	b := identity.GenerateCommitment("owner-secret", "hedge-43", ts)
	c := identity.GenerateCommitment("owner-secret", "hedge-42", ts.Add(time.Nanosecond))

	if a.Nullifier == b.Nullifier {
		t.Error("distinct hedges must have distinct nullifiers")
	}
	if a.Nullifier == c.Nullifier {
		t.Error("distinct timestamps must have distinct nullifiers")
	}
}

func TestGenerateCommitment_DoesNotLeakOwnerContext(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := identity.GenerateCommitment("owner-secret", "hedge-42", ts)

	if strings.Contains(c.CommitmentHash, "owner-secret") {
		t.Error("commitment hash must not embed the owner context")
	}
}
