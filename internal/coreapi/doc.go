// Package coreapi is the surface embedders call: initialize once with a
// configuration, then create or load identities and act on them.
//
//	api, err := coreapi.Initialize(cfg)
//	alice, err := api.CreateIdentity(ctx, "alice", password, listener)
//	ticket, err := api.RequestClaim(ctx, alice, "over18")
//
// List functions are best effort: entries that fail to decode are skipped
// and counted rather than aborting the listing.
package coreapi
