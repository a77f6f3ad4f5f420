// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package ids defines the dense and tagged identifiers shared by every
// other package: node ids, handler ids, and the entity id variant used
// by the location manager for collections, object groups, and indexed
// RDMA handles alike.
package ids

import "fmt"

// NodeID is a dense integer in [0, numNodes). Uninitialized is never a
// valid node and marks "no destination yet".
type NodeID int

// Uninitialized is the sentinel NodeID that is never a valid destination.
const Uninitialized NodeID = -1

// HandlerID opaquely identifies a registered active-message handler.
// Registration is collective and deterministic: every process must
// register handlers in the same order so the same HandlerID resolves
// to the same logical function everywhere.
type HandlerID uint64

// CollectionProxy identifies a collection created by vrt.CollectionManager.
type CollectionProxy uint64

// ObjGroupProxy identifies a process-wide object group.
type ObjGroupProxy uint64

// EntityClass distinguishes the kinds of entities the location manager
// tracks. Each class has its own Coordinator (one authoritative
// directory + routing policy per class).
type EntityClass uint8

const (
	// ClassCollection identifies a collection element (proxy, index).
	ClassCollection EntityClass = iota
	// ClassObjGroup identifies a per-process object-group instance.
	ClassObjGroup
	// ClassRDMAIndexed identifies an index-scoped RDMA handle element.
	ClassRDMAIndexed
)

func (c EntityClass) String() string {
	switch c {
	case ClassCollection:
		return "collection"
	case ClassObjGroup:
		return "objgroup"
	case ClassRDMAIndexed:
		return "rdma-indexed"
	default:
		return "unknown"
	}
}

// EntityID is the tagged variant used uniformly for collection elements
// (Proxy, Index, Home), object-group instances (Proxy only), and
// indexed RDMA handles (Proxy, Index, optional Tag). It is comparable
// so it can be used directly as a map key.
type EntityID struct {
	Class EntityClass
	Proxy uint64
	Index uint64
	Tag   uint64
	Home  NodeID
}

// CollectionElement builds the EntityID of a collection element.
func CollectionElement(proxy CollectionProxy, index uint64, home NodeID) EntityID {
	return EntityID{Class: ClassCollection, Proxy: uint64(proxy), Index: index, Home: home}
}

// ObjGroupInstance builds the EntityID of a process-wide object-group instance.
func ObjGroupInstance(proxy ObjGroupProxy, home NodeID) EntityID {
	return EntityID{Class: ClassObjGroup, Proxy: uint64(proxy), Home: home}
}

// RDMAIndexed builds the EntityID of an index-scoped RDMA handle element.
func RDMAIndexed(proxy uint64, index uint64, tag uint64, home NodeID) EntityID {
	return EntityID{Class: ClassRDMAIndexed, Proxy: proxy, Index: index, Tag: tag, Home: home}
}

func (e EntityID) String() string {
	return fmt.Sprintf("%s(proxy=%d,index=%d,tag=%d,home=%d)", e.Class, e.Proxy, e.Index, e.Tag, e.Home)
}
