package errutil

import "errors"

// Reason identifies a domain outcome independently of its transport status.
type Reason string

const (
	ReasonInsufficientFunds   Reason = "insufficient_funds"
	ReasonInvalidAmount       Reason = "invalid_amount"
	ReasonAlreadyClaimedToday Reason = "already_claimed_today"
	ReasonAlreadyOwned        Reason = "already_owned"
	ReasonTierRestricted      Reason = "tier_restricted"
	ReasonRewardNotUnlocked   Reason = "reward_not_unlocked"
	ReasonRewardExpired       Reason = "reward_expired"
	ReasonAlreadyClaimed      Reason = "already_claimed"
	ReasonRewardCapExceeded   Reason = "reward_cap_exceeded"
	ReasonListingInactive     Reason = "listing_inactive"
	ReasonDuplicateReference  Reason = "duplicate_reference"
	ReasonNotFound            Reason = "not_found"
	ReasonInternal            Reason = "internal"
)

var (
	ErrInsufficientFunds   = New(StatusUnprocessableEntity, "insufficient balance", WithReason(ReasonInsufficientFunds))
	ErrInvalidAmount       = New(StatusBadRequest, "amount must be positive", WithReason(ReasonInvalidAmount))
	ErrAlreadyClaimedToday = New(StatusConflict, "already claimed today", WithReason(ReasonAlreadyClaimedToday))
	ErrAlreadyOwned        = New(StatusConflict, "content already owned", WithReason(ReasonAlreadyOwned))
	ErrTierRestricted      = New(StatusForbidden, "listing requires a higher tier", WithReason(ReasonTierRestricted))
	ErrRewardNotUnlocked   = New(StatusUnprocessableEntity, "reward is not unlocked", WithReason(ReasonRewardNotUnlocked))
	ErrRewardExpired       = New(StatusUnprocessableEntity, "reward claim window has passed", WithReason(ReasonRewardExpired))
	ErrAlreadyClaimed      = New(StatusConflict, "reward already claimed", WithReason(ReasonAlreadyClaimed))
	ErrRewardCapExceeded   = New(StatusUnprocessableEntity, "daily reward cap reached", WithReason(ReasonRewardCapExceeded))
	ErrListingInactive     = New(StatusUnprocessableEntity, "listing is not available", WithReason(ReasonListingInactive))
	ErrDuplicateReference  = New(StatusConflict, "reference already recorded", WithReason(ReasonDuplicateReference))
)

// ReasonOf returns the domain reason carried by err. Errors without one map
// to ReasonNotFound for not-found statuses and ReasonInternal otherwise.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}

	var be BaseError
	if !errors.As(err, &be) {
		return ReasonInternal
	}

	if be.Reason != "" {
		return be.Reason
	}

	if be.Code == StatusNotFound {
		return ReasonNotFound
	}

	return ReasonInternal
}

// IsDomain reports whether err is an expected business outcome rather than
// an infrastructure failure.
func IsDomain(err error) bool {
	var be BaseError
	if !errors.As(err, &be) {
		return false
	}
	return be.Reason != "" || be.Code != StatusInternal
}
