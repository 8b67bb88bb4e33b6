package protocol

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

// TestActiveKeyDeterminism verifies that identical inputs always produce
// identical keys, and different inputs produce different keys.
func TestActiveKeyDeterminism(t *testing.T) {
	k1 := ActiveKey(1, "DEPOSIT", "one-way-market-0", "100")
	k2 := ActiveKey(1, "DEPOSIT", "one-way-market-0", "100")
	assert.Equal(t, k1, k2)

	k3 := ActiveKey(1, "DEPOSIT", "one-way-market-0", "50")
	assert.NotEqual(t, k1, k3)

	k4 := ActiveKey(137, "DEPOSIT", "one-way-market-0", "100")
	assert.NotEqual(t, k1, k4)
}

// TestActiveKeyUnresolvedIdentity verifies the empty-string placeholder rule:
// key computation never fails on missing chain or market.
func TestActiveKeyUnresolvedIdentity(t *testing.T) {
	key := ActiveKey(0, "", "", "100")
	assert.Equal(t, "---100", key)

	// Still deterministic
	assert.Equal(t, key, ActiveKey(0, "", "", "100"))
}

func TestUserActiveKey(t *testing.T) {
	signer := common.HexToAddress("0x1234567890123456789012345678901234567890")
	session := &Session{ChainID: 1, Signer: signer}

	key := UserActiveKey(session, "m1")
	assert.Contains(t, key, "m1")
	assert.Contains(t, key, signer.Hex())
	assert.Equal(t, key, UserActiveKey(session, "m1"))

	// nil session still produces a usable key
	assert.NotPanics(t, func() { UserActiveKey(nil, "m1") })
}

func TestSessionSignerAddress(t *testing.T) {
	var nilSession *Session
	assert.Equal(t, "", nilSession.SignerAddress())

	readOnly := &Session{ChainID: 1}
	assert.Equal(t, "", readOnly.SignerAddress())

	signer := common.HexToAddress("0xABCDabcdABcDabcDaBCDAbcdABcdAbCdABcDABCd")
	connected := &Session{ChainID: 1, Signer: signer}
	assert.Equal(t, signer.Hex(), connected.SignerAddress())
}

func TestAmountExceeds(t *testing.T) {
	tests := []struct {
		amount string
		limit  string
		want   bool
	}{
		{"100", "50", true},
		{"50", "100", false},
		{"100", "100", false},
		{"100.5", "100.4", true},
		{"", "100", false},
		{"abc", "100", false},
		{"100", "", false},
		{" 2 ", "1", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AmountExceeds(tt.amount, tt.limit),
			"AmountExceeds(%q, %q)", tt.amount, tt.limit)
	}
}

func TestPositiveAmount(t *testing.T) {
	assert.True(t, PositiveAmount("0.0001"))
	assert.True(t, PositiveAmount("100"))
	assert.False(t, PositiveAmount("0"))
	assert.False(t, PositiveAmount("-1"))
	assert.False(t, PositiveAmount(""))
	assert.False(t, PositiveAmount("x"))
}

func TestFormStatusTransitions(t *testing.T) {
	fs := FormStatus{Step: StepApproval, IsInProgress: true, IsApproved: false, Error: "boom"}

	reset := fs.ResetTransient()
	assert.Equal(t, FormStatus{}, reset)

	approved := FormStatus{IsApproved: true}
	reset = approved.ResetTransient()
	assert.True(t, reset.IsApproved, "approval survives input edits")
	assert.Empty(t, reset.Error)
	assert.True(t, reset.Approved())

	// Approved is derived: in-flight step masks it
	inFlight := FormStatus{IsApproved: true, Step: StepStake, IsInProgress: true}
	assert.False(t, inFlight.Approved())
}
