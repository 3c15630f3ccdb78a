// Package wire defines the logical payloads exchanged between mesh peers and
// their binary encoding.
//
// Payloads are encoded with the protobuf wire format (field numbers below) so
// that any transport able to move bytes can carry them:
//
//	1: kind        varint
//	2: term        varint
//	3: peer id     string  (candidate, voter or leader depending on kind)
//	4: destination bytes   (repeated, RouteAdvertisement only)
//	   1: peer id  string
//	   2: hops     varint
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrUnknownKind is returned when decoding a payload with an unrecognised kind.
	ErrUnknownKind = errors.New("unknown payload kind")
	// ErrMalformed is returned when the payload bytes cannot be parsed.
	ErrMalformed = errors.New("malformed payload")
)

// Kind identifies the payload type.
type Kind uint8

const (
	KindVoteRequest Kind = iota + 1
	KindVoteGrant
	KindHeartbeat
	KindRouteAdvertisement
)

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindVoteRequest:
		return "VoteRequest"
	case KindVoteGrant:
		return "VoteGrant"
	case KindHeartbeat:
		return "Heartbeat"
	case KindRouteAdvertisement:
		return "RouteAdvertisement"
	default:
		return "Unknown"
	}
}

// Message is implemented by every payload type.
type Message interface {
	Kind() Kind
}

// VoteRequest is broadcast by a candidate at the start of an election.
type VoteRequest struct {
	Term        uint64
	CandidateID string
}

// VoteGrant is sent by a voter to the candidate it voted for.
type VoteGrant struct {
	Term    uint64
	VoterID string
}

// Heartbeat is broadcast periodically by the leader of a term. Followers
// forward it; Hops counts the forwards so far and is zero when the leader
// sent it directly.
type Heartbeat struct {
	Term     uint64
	LeaderID string
	Hops     uint32
}

// Destination is one "I can reach PeerID in HopCount hops" claim.
type Destination struct {
	PeerID   string
	HopCount uint32
}

// RouteAdvertisement lists every destination the sender can reach.
// It is a full list: destinations the sender previously offered but omits
// here are withdrawn.
type RouteAdvertisement struct {
	Destinations []Destination
}

func (*VoteRequest) Kind() Kind        { return KindVoteRequest }
func (*VoteGrant) Kind() Kind          { return KindVoteGrant }
func (*Heartbeat) Kind() Kind          { return KindHeartbeat }
func (*RouteAdvertisement) Kind() Kind { return KindRouteAdvertisement }

const (
	fieldKind        protowire.Number = 1
	fieldTerm        protowire.Number = 2
	fieldPeer        protowire.Number = 3
	fieldDestination protowire.Number = 4
	fieldHops        protowire.Number = 5

	fieldDestPeer protowire.Number = 1
	fieldDestHops protowire.Number = 2
)

// Marshal encodes a payload.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("marshal nil payload: %w", ErrMalformed)
	}
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind()))

	switch msg := m.(type) {
	case *VoteRequest:
		b = appendTermAndPeer(b, msg.Term, msg.CandidateID)
	case *VoteGrant:
		b = appendTermAndPeer(b, msg.Term, msg.VoterID)
	case *Heartbeat:
		b = appendTermAndPeer(b, msg.Term, msg.LeaderID)
		if msg.Hops > 0 {
			b = protowire.AppendTag(b, fieldHops, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(msg.Hops))
		}
	case *RouteAdvertisement:
		for _, d := range msg.Destinations {
			var sub []byte
			sub = protowire.AppendTag(sub, fieldDestPeer, protowire.BytesType)
			sub = protowire.AppendString(sub, d.PeerID)
			sub = protowire.AppendTag(sub, fieldDestHops, protowire.VarintType)
			sub = protowire.AppendVarint(sub, uint64(d.HopCount))
			b = protowire.AppendTag(b, fieldDestination, protowire.BytesType)
			b = protowire.AppendBytes(b, sub)
		}
	default:
		return nil, fmt.Errorf("marshal %T: %w", m, ErrUnknownKind)
	}
	return b, nil
}

func appendTermAndPeer(b []byte, term uint64, peer string) []byte {
	b = protowire.AppendTag(b, fieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, term)
	b = protowire.AppendTag(b, fieldPeer, protowire.BytesType)
	return protowire.AppendString(b, peer)
}

// Unmarshal decodes a payload produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (Message, error) {
	var (
		kind  Kind
		term  uint64
		peer  string
		hops  uint32
		dests []Destination
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(n))
			}
			kind = Kind(v)
			b = b[n:]
		case num == fieldTerm && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: term: %v", ErrMalformed, protowire.ParseError(n))
			}
			term = v
			b = b[n:]
		case num == fieldPeer && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: peer: %v", ErrMalformed, protowire.ParseError(n))
			}
			peer = v
			b = b[n:]
		case num == fieldHops && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: hops: %v", ErrMalformed, protowire.ParseError(n))
			}
			hops = uint32(v)
			b = b[n:]
		case num == fieldDestination && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: destination: %v", ErrMalformed, protowire.ParseError(n))
			}
			d, err := unmarshalDestination(v)
			if err != nil {
				return nil, err
			}
			dests = append(dests, d)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch kind {
	case KindVoteRequest:
		return &VoteRequest{Term: term, CandidateID: peer}, nil
	case KindVoteGrant:
		return &VoteGrant{Term: term, VoterID: peer}, nil
	case KindHeartbeat:
		return &Heartbeat{Term: term, LeaderID: peer, Hops: hops}, nil
	case KindRouteAdvertisement:
		return &RouteAdvertisement{Destinations: dests}, nil
	default:
		return nil, fmt.Errorf("kind %d: %w", kind, ErrUnknownKind)
	}
}

func unmarshalDestination(b []byte) (Destination, error) {
	var d Destination
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, fmt.Errorf("%w: destination tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldDestPeer && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return d, fmt.Errorf("%w: destination peer: %v", ErrMalformed, protowire.ParseError(n))
			}
			d.PeerID = v
			b = b[n:]
		case num == fieldDestHops && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return d, fmt.Errorf("%w: destination hops: %v", ErrMalformed, protowire.ParseError(n))
			}
			d.HopCount = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return d, fmt.Errorf("%w: destination field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return d, nil
}
