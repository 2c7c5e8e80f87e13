// Package identity derives deterministic no-private-key proxy addresses and
// commitment/nullifier tuples from an owner identity and context.
//
// Everything here is a pure function over a Keccak-256 primitive: safe to
// call repeatedly, never cached, never persisted. Only the resulting hashes
// end up on chain or in the database.
package identity

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/veilhedge/ledger-engine/internal/model"
	"golang.org/x/crypto/sha3"
)

// Domain-separation tags. The proxy tag participates in the on-chain
// contract's own derivation, so the service-side and contract-side schemes
// are one algorithm under joint test; changing any tag here is a breaking
// protocol change.
const (
	tagProxy      = "veilhedge.proxy.v1"
	tagCommitment = "veilhedge.commitment.v1"
	tagNullifier  = "veilhedge.nullifier.v1"
	tagMerkleRoot = "veilhedge.merkle-root.v1"
)

// addressBytes is the ledger's native address width.
const addressBytes = 20

// DeriveProxyAddress computes the deterministic proxy address for
// (owner, nonce, bindingHash):
//
//	keccak256(tag || owner || nonce_be8 || bindingHash)[12:32]
//
// The last 20 bytes of the digest, hex-encoded with an 0x prefix. The
// derivation is collision resistant under Keccak-256 and yields an address
// for which no signing key exists.
func DeriveProxyAddress(ownerAddress string, nonce uint64, bindingHash string) string {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(tagProxy))
	h.Write([]byte(normalize(ownerAddress)))
	h.Write(nonceBytes[:])
	h.Write([]byte(normalize(bindingHash)))
	digest := h.Sum(nil)

	return "0x" + hex.EncodeToString(digest[len(digest)-addressBytes:])
}

// DeriveIdentity bundles a derivation into a full ProxyIdentity.
// HasNoPrivateKey is always true: the proxy address is a correlation label,
// not a spendable account.
func DeriveIdentity(ownerAddress string, nonce uint64, bindingHash string) model.ProxyIdentity {
	return model.ProxyIdentity{
		OwnerAddress:    ownerAddress,
		Nonce:           nonce,
		BindingHash:     bindingHash,
		ProxyAddress:    DeriveProxyAddress(ownerAddress, nonce, bindingHash),
		HasNoPrivateKey: true,
	}
}

// GenerateCommitment derives the commitment hash, nullifier, and merkle root
// for (ownerContext, purposeContext, timestamp) as three independent Keccak
// outputs under distinct domain tags.
//
// The commitment hash alone does not reveal ownerContext; the original owner
// can recompute it from the same inputs to prove knowledge; and the
// nullifier differs for every distinct purposeContext/timestamp pair, so a
// previously used binding cannot be replayed for a second settlement.
func GenerateCommitment(ownerContext, purposeContext string, ts time.Time) model.Commitment {
	return model.Commitment{
		CommitmentHash: tagged(tagCommitment, ownerContext, purposeContext, ts),
		Nullifier:      tagged(tagNullifier, ownerContext, purposeContext, ts),
		MerkleRoot:     tagged(tagMerkleRoot, ownerContext, purposeContext, ts),
	}
}

// tagged hashes (ownerContext, purposeContext, timestamp) under one domain
// tag. Unix nanoseconds keep two commitments for the same purpose distinct
// as long as they are not generated in the same nanosecond.
func tagged(tag, ownerContext, purposeContext string, ts time.Time) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(tag))
	h.Write([]byte(ownerContext))
	h.Write([]byte(purposeContext))
	h.Write([]byte(strconv.FormatInt(ts.UnixNano(), 10)))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// normalize lowercases hex inputs so that checksummed and plain spellings of
// the same address derive the same proxy, matching the contract which only
// ever sees raw bytes.
func normalize(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, "0x"))
}
