// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package ids

// ScopeKind distinguishes the kinds of reduce scopes spec.md §3
// describes as a tagged union: a reduction over an object-group, a
// virtual (collection) proxy, a group, a per-component id, or a user id.
type ScopeKind uint8

const (
	ScopeObjGroup ScopeKind = iota
	ScopeVirtualProxy
	ScopeGroup
	ScopeComponent
	ScopeUser
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeObjGroup:
		return "objgroup"
	case ScopeVirtualProxy:
		return "proxy"
	case ScopeGroup:
		return "group"
	case ScopeComponent:
		return "component"
	case ScopeUser:
		return "user"
	default:
		return "unknown"
	}
}

// Scope identifies a logical reducer instance. It is a plain
// comparable struct rather than an interface so it can be used as a
// map key and carried verbatim in a message envelope (Design Notes §9
// "Scope-as-variant").
type Scope struct {
	Kind ScopeKind
	ID   uint64
}

// StampKind distinguishes the kinds of reduce stamps spec.md §3
// describes: strong-typed tag, tag-pair, sequence, user id, or epoch.
type StampKind uint8

const (
	StampTag StampKind = iota
	StampTagPair
	StampSequence
	StampUser
	StampEpoch
)

func (k StampKind) String() string {
	switch k {
	case StampTag:
		return "tag"
	case StampTagPair:
		return "tagpair"
	case StampSequence:
		return "sequence"
	case StampUser:
		return "user"
	case StampEpoch:
		return "epoch"
	default:
		return "unknown"
	}
}

// Stamp identifies a specific reduction within a Scope: two reductions
// with the same scope but different stamps are independent. For
// StampEpoch, A carries the raw uint64 value of the epoch (callers
// convert with epoch.Epoch(stamp.A)) so this package stays free of a
// dependency on package epoch.
type Stamp struct {
	Kind StampKind
	A, B uint64
}
