package engine

import (
	"adbot/internal/account"
	"adbot/internal/campaign"
)

// selectAccountLocked picks the next sender identity for a campaign.
//
// Ordering comes from the registry (fewest consecutive errors, then least
// recently used, then id). Accounts reserved by an in-flight attempt are
// skipped so one identity never carries two attempts at once, whichever
// campaigns they belong to.
//
// When nothing is selectable right now, the error distinguishes a temporary
// shortage from a terminal one: reserved and Cooling accounts come back on
// their own, so the campaign waits; a pool of only Disabled/Invalid accounts
// (or none at all) pauses it.
//
// The caller holds s.mu.
func (s *Service) selectAccountLocked(c *campaign.Campaign) (account.Account, error) {
	for _, a := range s.accounts.ListEligible() {
		if !c.UsesAccount(a.ID) {
			continue
		}
		if _, busy := s.reserved[a.ID]; busy {
			continue
		}
		return a, nil
	}

	for _, a := range s.accounts.All() {
		if !c.UsesAccount(a.ID) {
			continue
		}
		if a.Status == account.StatusActive || a.Status == account.StatusCooling {
			return account.Account{}, ErrAllAccountsBusy
		}
	}
	return account.Account{}, ErrNoAccountAvailable
}
