// Package integrity computes and checks artifact content digests.
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"voxd/pkg/types"
)

func newHash(algo types.DigestAlgo) (hash.Hash, error) {
	switch algo {
	case types.DigestSHA256:
		return sha256.New(), nil
	case types.DigestMD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", algo)
	}
}

// SumFile streams path through the given hash and returns the hex digest.
func SumFile(path string, algo types.DigestAlgo) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the artifact digest and compares it to the declared one.
// A mismatch is an IntegrityError carrying both values; modelID is only used
// to label the error.
func Verify(path, modelID string, want types.Digest) error {
	got, err := SumFile(path, want.Algo)
	if err != nil {
		return err
	}
	if got != want.Hex {
		return &types.IntegrityError{ModelID: modelID, Algo: want.Algo, Want: want.Hex, Got: got}
	}
	return nil
}

// VerifyDescriptor checks the artifact against the descriptor's declared
// digests, preferring sha256 over md5. Descriptors with no digest at all are
// rejected: an unverifiable artifact is never treated as good.
func VerifyDescriptor(path string, m *types.ModelDescriptor) error {
	if d, ok := m.DigestFor(types.DigestSHA256); ok {
		return Verify(path, m.ID, d)
	}
	if d, ok := m.DigestFor(types.DigestMD5); ok {
		return Verify(path, m.ID, d)
	}
	return fmt.Errorf("model %s declares no integrity digest", m.ID)
}
