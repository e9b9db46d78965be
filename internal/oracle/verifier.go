package oracle

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// OpeningProof reveals the committed score and salt. It is what
// SaltedHashVerifier accepts; a zero-knowledge verifier takes its own format.
type OpeningProof struct {
	Score int64  `json:"score"`
	Salt  string `json:"salt"`
}

// CommitmentHash is the digest SaltedHashVerifier expects for score and salt.
func CommitmentHash(score int64, salt string) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(score, 10) + ":" + salt))
	return hex.EncodeToString(sum[:])
}

// SaltedHashVerifier checks an OpeningProof against a sha256 commitment and
// accepts only a score strictly above minThreshold.
// It discloses the score to the verifier and is meant for development and
// tests, where no proving system is deployed.
type SaltedHashVerifier struct{}

func (SaltedHashVerifier) Verify(ctx context.Context, commitmentHash string, minThreshold int64, proof []byte) (bool, error) {
	var p OpeningProof
	if err := json.Unmarshal(proof, &p); err != nil {
		return false, fmt.Errorf("malformed proof: %w", err)
	}
	if p.Salt == "" {
		return false, errors.New("malformed proof: missing salt")
	}
	want := CommitmentHash(p.Score, p.Salt)
	if subtle.ConstantTimeCompare([]byte(want), []byte(commitmentHash)) != 1 {
		return false, nil
	}
	return p.Score > minThreshold, nil
}

// VerifierFunc adapts a function to ProofVerifier.
type VerifierFunc func(ctx context.Context, commitmentHash string, minThreshold int64, proof []byte) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, commitmentHash string, minThreshold int64, proof []byte) (bool, error) {
	return f(ctx, commitmentHash, minThreshold, proof)
}
