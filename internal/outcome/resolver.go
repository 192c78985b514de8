// Package outcome implements the deterministic outcome resolver and the
// commit-reveal hashing used to prove round fairness.
//
// Resolve is a pure function of (game config, seed, bucket start): the same
// inputs always yield the same outcome, which is what makes settled rounds
// replayable by auditors and by tests. All monetary values use
// shopspring/decimal — never float64 for money.
package outcome

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/playloop/game-engine/internal/catalog"
	"github.com/playloop/game-engine/internal/model"
)

var (
	// ErrEmptySeed is returned when resolving with a blank seed, which would
	// make the outcome trivially predictable.
	ErrEmptySeed = errors.New("outcome: empty seed")

	// ErrEmptyTable is returned for a config without payout tiers.
	ErrEmptyTable = errors.New("outcome: payout table is empty")
)

// drawScale is the integer resolution of the weighted draw. Weights are
// projected onto [0, drawScale) so tier selection needs no float math.
const drawScale = 1_000_000_000

// NewSeed returns a fresh 32-byte secret seed as hex, from crypto/rand.
func NewSeed() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("outcome: generate seed: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// Commitment computes the public seed commitment published while a round is
// still open: hex(sha256(seed | gameID | bucketStart)).
func Commitment(seed, gameID string, bucketStart int64) string {
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write([]byte{'|'})
	h.Write([]byte(gameID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(bucketStart, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the commitment for a revealed seed and checks it against
// the stored hash. This is the externally auditable fairness check: any party
// holding {seed, gameID, bucketStart, seedHash} can run it post-reveal.
func Verify(seed, gameID string, bucketStart int64, seedHash string) bool {
	return Commitment(seed, gameID, bucketStart) == seedHash
}

// draw derives the uniform draw value in [0, drawScale) for a round.
func draw(seed string, bucketStart int64) uint64 {
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(bucketStart, 10)))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8]) % drawScale
}

// Resolve maps a revealed seed deterministically to the game's outcome.
// Tier selection walks the payout table's cumulative weights over an integer
// scale, so identical inputs always land in the same tier.
func Resolve(cfg *catalog.GameConfig, seed string, bucketStart int64) (*model.Outcome, error) {
	if seed == "" {
		return nil, ErrEmptySeed
	}
	if len(cfg.PayoutTable) == 0 {
		return nil, ErrEmptyTable
	}

	u := draw(seed, bucketStart)
	scale := decimal.NewFromInt(drawScale)

	cum := decimal.Zero
	for i, t := range cfg.PayoutTable {
		cum = cum.Add(t.Weight.Mul(scale))
		if decimal.NewFromInt(int64(u)).LessThan(cum) {
			return &model.Outcome{
				Rank:       t.Rank,
				Value:      i,
				Multiplier: t.Multiplier,
			}, nil
		}
	}

	// Rounding residue at the top of the scale: land in the last tier.
	last := cfg.PayoutTable[len(cfg.PayoutTable)-1]
	return &model.Outcome{
		Rank:       last.Rank,
		Value:      len(cfg.PayoutTable) - 1,
		Multiplier: last.Multiplier,
	}, nil
}

// ComputePayout returns the payout for one play against a resolved outcome.
//
// Pick games pay bet×multiplier only when the player's choice matches the
// drawn rank; draw games pay every play the drawn tier's multiplier.
func ComputePayout(play *model.Play, out *model.Outcome, cfg *catalog.GameConfig) decimal.Decimal {
	switch cfg.Mechanic() {
	case catalog.MechanicPick:
		if play.Choice != out.Rank {
			return decimal.Zero
		}
		return play.Bet.Mul(out.Multiplier)
	default:
		return play.Bet.Mul(out.Multiplier)
	}
}
