// Package message defines the typed consensus messages exchanged between
// PBFT nodes and their wire encoding.
//
// Cryptographic primitives are out of scope for this package (the suite is
// provided by the environment, see spec Non-goals); Signer and Verifier are
// the seams the environment plugs a real suite into.
package message

import (
	"fmt"
	"time"
)

// NodeIndex identifies a consensus node by its position in the node list.
type NodeIndex uint32

// Digest is a block/proposal hash. The hash function itself is supplied by
// the environment's crypto suite; this package only moves the bytes around.
type Digest [32]byte

// EmptyHash is the sentinel hash for an empty-block PrePrepare reissued by
// a NewView when no prepared proposal exists for an index.
var EmptyHash = Digest{}

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:4])
}

func (d Digest) IsEmpty() bool {
	return d == EmptyHash
}

// SignatureShare is one node's signature over a proposal, used to carry
// prepare-quorum evidence inside a ViewChange's prepared proposals.
type SignatureShare struct {
	Node NodeIndex
	Sig  []byte
}

// Proposal is a candidate block. Data may be nil ("data-less proposal")
// when only commitment metadata is needed (e.g. a catch-up response that
// already has the block persisted elsewhere).
type Proposal struct {
	Index uint64
	// View is the view at which this proposal reached prepare-quorum. It
	// is the tie-break field a NewView uses to pick among prepared
	// proposals carried by different ViewChange senders; it is 0 and
	// unused for proposals that only represent a final committed decision.
	View       uint64
	Hash       Digest
	Data       []byte
	Signatures []SignatureShare
}

// Clone returns a deep copy so callers can mutate without aliasing cache
// state.
func (p Proposal) Clone() Proposal {
	out := Proposal{Index: p.Index, View: p.View, Hash: p.Hash}
	if p.Data != nil {
		out.Data = append([]byte(nil), p.Data...)
	}
	if p.Signatures != nil {
		out.Signatures = make([]SignatureShare, len(p.Signatures))
		for i, s := range p.Signatures {
			sig := append([]byte(nil), s.Sig...)
			out.Signatures[i] = SignatureShare{Node: s.Node, Sig: sig}
		}
	}
	return out
}

// PacketType tags the variant of a ConsensusMessage on the wire.
type PacketType uint8

const (
	PacketPrePrepare PacketType = iota
	PacketPrepare
	PacketCommit
	PacketViewChange
	PacketNewView
	PacketCommittedProposalRequest
	PacketCommittedProposalResponse
	PacketPreparedProposalRequest
	PacketPreparedProposalResponse
)

func (t PacketType) String() string {
	switch t {
	case PacketPrePrepare:
		return "PrePrepare"
	case PacketPrepare:
		return "Prepare"
	case PacketCommit:
		return "Commit"
	case PacketViewChange:
		return "ViewChange"
	case PacketNewView:
		return "NewView"
	case PacketCommittedProposalRequest:
		return "CommittedProposalRequest"
	case PacketCommittedProposalResponse:
		return "CommittedProposalResponse"
	case PacketPreparedProposalRequest:
		return "PreparedProposalRequest"
	case PacketPreparedProposalResponse:
		return "PreparedProposalResponse"
	default:
		return "Unknown"
	}
}

// Header is common to every consensus message.
type Header struct {
	Version       uint32
	View          uint64
	Index         uint64
	Timestamp     time.Time
	GeneratedFrom NodeIndex
	Signature     []byte
}

// ConsensusMessage is the tagged union over PacketType. Every variant below
// implements it.
type ConsensusMessage interface {
	Type() PacketType
	GetHeader() Header
	SetSignature(sig []byte)
}

type PrePrepare struct {
	Header
	Proposal Proposal
}

func (m *PrePrepare) Type() PacketType        { return PacketPrePrepare }
func (m *PrePrepare) GetHeader() Header       { return m.Header }
func (m *PrePrepare) SetSignature(sig []byte) { m.Signature = sig }

type Prepare struct {
	Header
	Proposal Proposal
}

func (m *Prepare) Type() PacketType        { return PacketPrepare }
func (m *Prepare) GetHeader() Header       { return m.Header }
func (m *Prepare) SetSignature(sig []byte) { m.Signature = sig }

type Commit struct {
	Header
	Proposal Proposal
}

func (m *Commit) Type() PacketType        { return PacketCommit }
func (m *Commit) GetHeader() Header       { return m.Header }
func (m *Commit) SetSignature(sig []byte) { m.Signature = sig }

// ViewChange carries the sender's locally highest committed proposal and
// the proposals it has locally prepared (quorum-of-Prepare'd) but not yet
// committed, so a future leader can safely reissue them.
type ViewChange struct {
	Header
	CommittedProposal Proposal
	PreparedProposals []Proposal
}

func (m *ViewChange) Type() PacketType        { return PacketViewChange }
func (m *ViewChange) GetHeader() Header       { return m.Header }
func (m *ViewChange) SetSignature(sig []byte) { m.Signature = sig }

// NewView is broadcast by the next leader once it has gathered a
// ViewChange quorum; it reissues PrePrepares for every unfinished index.
type NewView struct {
	Header
	ViewChangeMsgList []ViewChange
	PrePrepareList    []PrePrepare
}

func (m *NewView) Type() PacketType        { return PacketNewView }
func (m *NewView) GetHeader() Header       { return m.Header }
func (m *NewView) SetSignature(sig []byte) { m.Signature = sig }

// CommittedProposalRequest asks a peer for committed proposals in
// [Start, Start+Offset).
type CommittedProposalRequest struct {
	Header
	Start  uint64
	Offset uint64
}

func (m *CommittedProposalRequest) Type() PacketType        { return PacketCommittedProposalRequest }
func (m *CommittedProposalRequest) GetHeader() Header       { return m.Header }
func (m *CommittedProposalRequest) SetSignature(sig []byte) { m.Signature = sig }

type CommittedProposalResponse struct {
	Header
	Proposals []Proposal
}

func (m *CommittedProposalResponse) Type() PacketType        { return PacketCommittedProposalResponse }
func (m *CommittedProposalResponse) GetHeader() Header       { return m.Header }
func (m *CommittedProposalResponse) SetSignature(sig []byte) { m.Signature = sig }

// PreparedProposalRequest asks a peer for the full (with data) proposal it
// has precommitted at Index.
type PreparedProposalRequest struct {
	Header
	Index uint64
}

func (m *PreparedProposalRequest) Type() PacketType        { return PacketPreparedProposalRequest }
func (m *PreparedProposalRequest) GetHeader() Header       { return m.Header }
func (m *PreparedProposalRequest) SetSignature(sig []byte) { m.Signature = sig }

type PreparedProposalResponse struct {
	Header
	Proposal Proposal
	Found    bool
}

func (m *PreparedProposalResponse) Type() PacketType        { return PacketPreparedProposalResponse }
func (m *PreparedProposalResponse) GetHeader() Header       { return m.Header }
func (m *PreparedProposalResponse) SetSignature(sig []byte) { m.Signature = sig }

// Signer and Verifier are implemented by the environment's crypto suite.
type Signer interface {
	Sign(node NodeIndex, payload []byte) ([]byte, error)
}

type Verifier interface {
	Verify(node NodeIndex, payload []byte, sig []byte) error
}
