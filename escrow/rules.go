package escrow

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var bpsDenominator = decimal.NewFromInt(10_000)

// validateCreateParams applies the creation checks in a fixed order so the
// caller always sees the most specific violated rule first. Whitelist and
// compliance checks need the database and happen afterwards.
func validateCreateParams(p CreateParams, now time.Time) error {
	if p.PropertyID == "" {
		return ErrPropertyIDRequired
	}
	if p.Buyer == "" || p.Seller == "" {
		return ErrPartiesRequired
	}
	if p.Buyer == p.Seller {
		return ErrSameParty
	}
	if !p.DepositAmount.IsPositive() {
		return ErrInvalidAmount
	}
	if !p.DepositDeadline.After(now) {
		return ErrPastDeadline
	}
	return nil
}

// feeSplit carves the deposit into seller, platform, and agent portions.
// Fees floor on integer division; the remainder stays with the seller, so the
// three parts always sum to exactly amount.
func feeSplit(amount decimal.Decimal, platformBps, agentBps int32, hasAgent bool) (seller, platform, agent decimal.Decimal) {
	platform = amount.Mul(decimal.NewFromInt(int64(platformBps))).Div(bpsDenominator).Floor()
	if hasAgent {
		agent = amount.Mul(decimal.NewFromInt(int64(agentBps))).Div(bpsDenominator).Floor()
	} else {
		agent = decimal.Zero
	}
	seller = amount.Sub(platform).Sub(agent)
	return seller, platform, agent
}

// releaseReady checks the multi-party sign-off: buyer and seller always, the
// agent only when one is assigned.
func releaseReady(rec Record) error {
	if !rec.BuyerApproved || !rec.SellerApproved {
		return ErrReleaseConditions
	}
	if rec.HasAgent() && !rec.AgentApproved {
		return ErrReleaseConditions
	}
	return nil
}

// approvalParty resolves which approval slot the caller owns, or rejects the
// caller outright.
func approvalParty(rec Record, address string) (string, error) {
	switch address {
	case rec.Buyer:
		return "buyer", nil
	case rec.Seller:
		return "seller", nil
	case rec.Agent:
		if rec.HasAgent() {
			return "agent", nil
		}
	}
	return "", ErrNotParticipant
}

// recordApproval flips the caller's slot, failing when it was already set.
func recordApproval(rec *Record, party string) error {
	switch party {
	case "buyer":
		if rec.BuyerApproved {
			return fmt.Errorf("escrow: buyer already approved: %w", ErrAlreadyApproved)
		}
		rec.BuyerApproved = true
	case "seller":
		if rec.SellerApproved {
			return fmt.Errorf("escrow: seller already approved: %w", ErrAlreadyApproved)
		}
		rec.SellerApproved = true
	case "agent":
		if rec.AgentApproved {
			return fmt.Errorf("escrow: agent already approved: %w", ErrAlreadyApproved)
		}
		rec.AgentApproved = true
	default:
		return ErrNotParticipant
	}
	return nil
}

// canDispute restricts dispute raising to the transacting parties.
func canDispute(rec Record, address string) bool {
	return address == rec.Buyer || address == rec.Seller || (rec.HasAgent() && address == rec.Agent)
}
