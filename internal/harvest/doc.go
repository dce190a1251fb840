// Package harvest defines the domain types, outcomes, and collaborator
// interfaces shared by the matcher, extractor, pager, profile harvester,
// search session, ledger, and run controller.
package harvest
