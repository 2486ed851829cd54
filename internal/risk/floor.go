package risk

import (
	"fmt"
	"math"

	"anchorBot/internal/domain"
)

// CloseDecision is the result of validating a close request against the
// safety floor. An unsafe request is never an error: AdjustedSize holds the
// largest close that keeps the floor.
type CloseDecision struct {
	IsSafe        bool
	RequestedSize float64
	AdjustedSize  float64
	Message       string
}

// ValidateClose checks that closing requested units of pos at price keeps at
// least minKeepMargin of margin. A minKeepMargin <= 0 disables the floor and
// only clamps the request to the position size. The function does no I/O.
func ValidateClose(pos *domain.Position, requested, price float64, leverage int, minKeepMargin float64) CloseDecision {
	d := CloseDecision{RequestedSize: requested}

	if pos == nil || pos.Size <= 0 {
		d.Message = "no open size to close"
		return d
	}
	if requested <= 0 {
		d.Message = fmt.Sprintf("requested close size %.8f is not positive", requested)
		return d
	}
	if price <= 0 || leverage <= 0 {
		d.Message = fmt.Sprintf("cannot validate close with price %.8f and leverage %d", price, leverage)
		return d
	}

	lev := float64(leverage)
	if minKeepMargin <= 0 {
		if requested > pos.Size {
			d.AdjustedSize = pos.Size
			d.Message = fmt.Sprintf("requested %.8f exceeds size %.8f, clamped to full size", requested, pos.Size)
			return d
		}
		d.IsSafe = true
		d.AdjustedSize = requested
		d.Message = "no floor applies"
		return d
	}

	currentMargin := pos.Size * price / lev
	if currentMargin <= minKeepMargin {
		d.Message = fmt.Sprintf("margin %.4f already at or below floor %.4f, no close permitted", currentMargin, minKeepMargin)
		return d
	}

	remainingSize := pos.Size - requested
	remainingMargin := remainingSize * price / lev
	if remainingSize <= 0 || remainingMargin < minKeepMargin {
		keepSize := minKeepMargin * lev / price
		maxSafe := math.Max(pos.Size-keepSize, 0)
		// Float rounding may leave the remainder a hair under the floor.
		for maxSafe > 0 && (pos.Size-maxSafe)*price/lev < minKeepMargin {
			maxSafe = math.Nextafter(maxSafe, 0)
		}
		d.AdjustedSize = maxSafe
		d.Message = fmt.Sprintf("close of %.8f would leave margin %.4f below floor %.4f, adjusted to %.8f (keeps %.8f)",
			requested, math.Max(remainingMargin, 0), minKeepMargin, maxSafe, pos.Size-maxSafe)
		return d
	}

	d.IsSafe = true
	d.AdjustedSize = requested
	d.Message = fmt.Sprintf("close of %.8f keeps margin %.4f above floor %.4f", requested, remainingMargin, minKeepMargin)
	return d
}
