// Package validator is a thin façade over the external block validator
// (C9). Block execution and transaction validation are an explicit
// Non-goal of this module; this package only forwards to whatever
// implementation the environment supplies. The engine passes each
// PrePrepare's proposal through it before accepting the PrePrepare; the
// log-sync module does not use it.
package validator

import (
	"github.com/vadiminshakov/pbft-core/message"
)

// External is the environment-provided validator contract: verification
// is asynchronous and reports through callback.
//
//go:generate mockgen -destination=../mocks/mock_validator.go -package=mocks . External
type External interface {
	VerifyProposal(localNodeID string, proposal message.Proposal, callback func(err error, ok bool))
}

// Validator binds an External validator to this node's ID.
type Validator struct {
	external External
	nodeID   string
}

// New builds a Validator façade over external, identifying this node as
// nodeID in every verification request.
func New(external External, nodeID string) *Validator {
	return &Validator{external: external, nodeID: nodeID}
}

// VerifyAsync asks the external validator to check proposal, invoking
// callback once a verdict is available. Callers are responsible for
// re-validating the proposal's (index, view) generation before acting on
// a late callback, since verification may outlive a view change.
func (v *Validator) VerifyAsync(proposal message.Proposal, callback func(err error, ok bool)) {
	v.external.VerifyProposal(v.nodeID, proposal, callback)
}
