package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Minimal ABI coding for the hedge contract's static read surface. Every
// value is a 32-byte word; the only dynamic shape is the uint256[] returned
// by getHedgeIdsForOwner.

const wordBytes = 32

var errShortReturn = errors.New("ledger: eth_call return data too short")

// selector returns the 4-byte function selector for a signature like
// "getHedgeById(uint256)".
func selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// eventTopic returns the 32-byte topic hash for an event signature.
func eventTopic(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// encodeCall packs a selector plus uint256/address words into calldata hex.
func encodeCall(signature string, words ...[]byte) string {
	data := selector(signature)
	for _, w := range words {
		data = append(data, w...)
	}
	return "0x" + hex.EncodeToString(data)
}

// uintWord left-pads a uint64 into one 32-byte word.
func uintWord(v uint64) []byte {
	w := make([]byte, wordBytes)
	new(big.Int).SetUint64(v).FillBytes(w)
	return w
}

// addressWord left-pads a 20-byte hex address into one 32-byte word.
func addressWord(address string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(address), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: bad address %q: %w", address, err)
	}
	if len(raw) != 20 {
		return nil, fmt.Errorf("ledger: address %q is %d bytes, want 20", address, len(raw))
	}
	w := make([]byte, wordBytes)
	copy(w[wordBytes-len(raw):], raw)
	return w, nil
}

// returnData decodes the hex payload of an eth_call response.
func returnData(hexData string) ([]byte, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(hexData, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: bad return data: %w", err)
	}
	return data, nil
}

// word extracts the i-th 32-byte word of return data.
func word(data []byte, i int) ([]byte, error) {
	start := i * wordBytes
	if len(data) < start+wordBytes {
		return nil, errShortReturn
	}
	return data[start : start+wordBytes], nil
}

// wordUint64 decodes the i-th word as a uint64.
func wordUint64(data []byte, i int) (uint64, error) {
	w, err := word(data, i)
	if err != nil {
		return 0, err
	}
	return new(big.Int).SetBytes(w).Uint64(), nil
}

// wordBig decodes the i-th word as a big integer.
func wordBig(data []byte, i int) (*big.Int, error) {
	w, err := word(data, i)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(w), nil
}

// wordAddress decodes the i-th word as a 20-byte address.
func wordAddress(data []byte, i int) (string, error) {
	w, err := word(data, i)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(w[wordBytes-20:]), nil
}

// wordHash decodes the i-th word as a full 32-byte hash.
func wordHash(data []byte, i int) (string, error) {
	w, err := word(data, i)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(w), nil
}

// wordSymbol decodes the i-th word as a right-padded bytes32 symbol.
func wordSymbol(data []byte, i int) (string, error) {
	w, err := word(data, i)
	if err != nil {
		return "", err
	}
	return string(trimRightZeros(w)), nil
}

// uintArray decodes a dynamic uint256[] return value: one offset word, then
// a length word followed by the elements.
func uintArray(data []byte) ([]uint64, error) {
	offset, err := wordUint64(data, 0)
	if err != nil {
		return nil, err
	}
	if offset%wordBytes != 0 || int(offset)+wordBytes > len(data) {
		return nil, errShortReturn
	}
	base := int(offset) / wordBytes
	length, err := wordUint64(data, base)
	if err != nil {
		return nil, err
	}

	out := make([]uint64, 0, length)
	for i := 0; i < int(length); i++ {
		v, err := wordUint64(data, base+1+i)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func trimRightZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}
