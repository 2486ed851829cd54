// Package aggregate nets raw exchange reports for the same (symbol, side)
// into one logical exposure.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"anchorBot/internal/domain"
	"anchorBot/internal/ports"
)

// Merge combines reports that describe the same (symbol, side). The result
// does not depend on input order, and a single report is returned unchanged.
func Merge(reports []domain.PositionReport) (domain.PositionReport, error) {
	if len(reports) == 0 {
		return domain.PositionReport{}, fmt.Errorf("%w: nothing to merge", ports.ErrInvalidReport)
	}
	key := reports[0].Key()
	for _, r := range reports {
		if err := r.Validate(); err != nil {
			return domain.PositionReport{}, fmt.Errorf("%w: %v", ports.ErrInvalidReport, err)
		}
		if r.Key() != key {
			return domain.PositionReport{}, fmt.Errorf("%w: cannot merge %s with %s", ports.ErrInvalidReport, r.Key(), key)
		}
	}
	if len(reports) == 1 {
		return reports[0], nil
	}

	var (
		totalSize     = decimal.Zero
		entryNotional = decimal.Zero
		markNotional  = decimal.Zero
		totalMargin   = decimal.Zero
		totalUPL      = decimal.Zero
	)
	out := domain.PositionReport{Symbol: reports[0].Symbol, Side: reports[0].Side}
	accounts := make(map[string]struct{})

	for _, r := range reports {
		size := decimal.NewFromFloat(r.Size)
		totalSize = totalSize.Add(size)
		entryNotional = entryNotional.Add(size.Mul(decimal.NewFromFloat(r.EntryPrice)))
		markNotional = markNotional.Add(size.Mul(decimal.NewFromFloat(r.MarkPrice)))
		totalMargin = totalMargin.Add(decimal.NewFromFloat(r.Margin))
		totalUPL = totalUPL.Add(decimal.NewFromFloat(r.UnrealizedPNL))

		if r.Leverage > out.Leverage {
			out.Leverage = r.Leverage
		}
		if r.MaintenanceCount > out.MaintenanceCount {
			out.MaintenanceCount = r.MaintenanceCount
		}
		out.IsAnchor = out.IsAnchor || r.IsAnchor
		for _, a := range sourceAccounts(r) {
			accounts[a] = struct{}{}
		}
	}

	out.Size = totalSize.InexactFloat64()
	out.EntryPrice = entryNotional.Div(totalSize).InexactFloat64()
	out.MarkPrice = markNotional.Div(totalSize).InexactFloat64()
	out.Margin = totalMargin.InexactFloat64()
	out.UnrealizedPNL = totalUPL.InexactFloat64()

	out.Accounts = make([]string, 0, len(accounts))
	for a := range accounts {
		out.Accounts = append(out.Accounts, a)
	}
	sort.Strings(out.Accounts)
	out.Account = strings.Join(out.Accounts, "+")
	return out, nil
}

// GroupAndMerge merges a flat list of reports per (symbol, side). Malformed
// reports are skipped and returned as errors; the result is sorted by key.
func GroupAndMerge(reports []domain.PositionReport) ([]domain.PositionReport, []error) {
	groups := make(map[string][]domain.PositionReport)
	var errs []error
	for _, r := range reports {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ports.ErrInvalidReport, err))
			continue
		}
		groups[r.Key()] = append(groups[r.Key()], r)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := make([]domain.PositionReport, 0, len(keys))
	for _, k := range keys {
		m, err := Merge(groups[k])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		merged = append(merged, m)
	}
	return merged, errs
}

func sourceAccounts(r domain.PositionReport) []string {
	if len(r.Accounts) > 0 {
		return r.Accounts
	}
	if r.Account == "" {
		return nil
	}
	return []string{r.Account}
}
