// Package engine is the account rotation and campaign dispatch core.
//
// A single tick loop drives everything: it sweeps account cooldowns,
// evaluates campaign schedule windows, and hands at most one send per
// Running campaign per tick to a bounded worker pool. Workers perform the
// network send (the only suspension point) and report back on a completion
// channel; all state mutation happens in the loop, so registry readers never
// observe torn updates.
//
// Pacing guarantee: a campaign's next_eligible time advances by its interval
// at dispatch, so two attempts of one campaign never start closer together
// than the configured interval, whatever their outcomes. Account cooldowns
// are independent and strictly per account.
package engine
