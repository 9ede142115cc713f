package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHeader(pt PacketType) Header {
	return Header{
		Version:       WireVersion,
		View:          3,
		Index:         42,
		Timestamp:     time.Unix(1_700_000_000, 0).UTC(),
		GeneratedFrom: NodeIndex(1),
		Signature:     []byte("sig-bytes"),
	}
}

func sampleProposal() Proposal {
	return Proposal{
		Index: 42,
		Hash:  Digest{1, 2, 3, 4},
		Data:  []byte("block-payload"),
		Signatures: []SignatureShare{
			{Node: 0, Sig: []byte("s0")},
			{Node: 1, Sig: []byte("s1")},
		},
	}
}

func TestRoundTripEveryVariant(t *testing.T) {
	cases := []ConsensusMessage{
		&PrePrepare{Header: sampleHeader(PacketPrePrepare), Proposal: sampleProposal()},
		&Prepare{Header: sampleHeader(PacketPrepare), Proposal: sampleProposal()},
		&Commit{Header: sampleHeader(PacketCommit), Proposal: sampleProposal()},
		&ViewChange{
			Header:            sampleHeader(PacketViewChange),
			CommittedProposal: sampleProposal(),
			PreparedProposals: []Proposal{sampleProposal(), {Index: 1, Hash: EmptyHash}},
		},
		&NewView{
			Header: sampleHeader(PacketNewView),
			ViewChangeMsgList: []ViewChange{
				{Header: sampleHeader(PacketViewChange), CommittedProposal: sampleProposal()},
			},
			PrePrepareList: []PrePrepare{
				{Header: sampleHeader(PacketPrePrepare), Proposal: sampleProposal()},
			},
		},
		&CommittedProposalRequest{Header: sampleHeader(PacketCommittedProposalRequest), Start: 1, Offset: 10},
		&CommittedProposalResponse{Header: sampleHeader(PacketCommittedProposalResponse), Proposals: []Proposal{sampleProposal()}},
		&PreparedProposalRequest{Header: sampleHeader(PacketPreparedProposalRequest), Index: 7},
		&PreparedProposalResponse{Header: sampleHeader(PacketPreparedProposalResponse), Proposal: sampleProposal(), Found: true},
	}

	for _, msg := range cases {
		t.Run(msg.Type().String(), func(t *testing.T) {
			encoded, err := Encode(msg)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)

			assert.Equal(t, msg.Type(), decoded.Type())
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestDecodeRejectsTruncatedEnvelope(t *testing.T) {
	msg := &Prepare{Header: sampleHeader(PacketPrepare), Proposal: sampleProposal()}
	encoded, err := Encode(msg)
	require.NoError(t, err)

	_, err = Decode(encoded[:len(encoded)-3])
	assert.ErrorIs(t, err, ErrDecodeFailure)
}

func TestSignableBytesExcludesSignature(t *testing.T) {
	a := &Prepare{Header: sampleHeader(PacketPrepare), Proposal: sampleProposal()}
	b := &Prepare{Header: sampleHeader(PacketPrepare), Proposal: sampleProposal()}
	b.Signature = []byte("different-signature-entirely")

	sa, err := SignableBytes(a)
	require.NoError(t, err)
	sb, err := SignableBytes(b)
	require.NoError(t, err)

	assert.Equal(t, sa, sb)
}

func TestDataLessProposalRoundTrips(t *testing.T) {
	msg := &Commit{
		Header:   sampleHeader(PacketCommit),
		Proposal: Proposal{Index: 5, Hash: Digest{9}},
	}
	encoded, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	commit, ok := decoded.(*Commit)
	require.True(t, ok)
	assert.Nil(t, commit.Proposal.Data)
}

func TestEncodeDecodeProposalRoundTrips(t *testing.T) {
	p := sampleProposal()
	encoded, err := EncodeProposal(p)
	require.NoError(t, err)

	decoded, err := DecodeProposal(encoded)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}
