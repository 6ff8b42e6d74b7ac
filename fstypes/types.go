// Package fstypes holds the value types shared by the fsxpack containers:
// revision numbers, node revision IDs, changed-path records, representations
// and node revisions.
package fstypes

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
)

// Revnum is a revision number.
type Revnum int64

// InvalidRevnum marks an absent revision.
const InvalidRevnum Revnum = -1

// IsValid reports whether r names a revision.
func (r Revnum) IsValid() bool { return r >= 0 }

// IDPart is one component of a node revision ID: a number allocated
// within a revision (or transaction).
type IDPart struct {
	Revision Revnum
	Number   uint64
}

func (p IDPart) String() string {
	return fmt.Sprintf("%d-%d", p.Number, p.Revision)
}

// ID identifies a node revision. Committed node revisions are located
// by RevItem; node revisions still in a transaction carry TxnID instead.
// Build IDs with NewRevID and NewTxnID so that equal IDs compare equal.
type ID struct {
	NodeID  IDPart
	CopyID  IDPart
	RevItem IDPart
	TxnID   uint64
	InTxn   bool
}

// NewRevID returns the ID of a committed node revision.
func NewRevID(nodeID, copyID, revItem IDPart) ID {
	return ID{NodeID: nodeID, CopyID: copyID, RevItem: revItem}
}

// NewTxnID returns the ID of a node revision inside transaction txn.
func NewTxnID(nodeID, copyID IDPart, txn uint64) ID {
	return ID{NodeID: nodeID, CopyID: copyID, TxnID: txn, InTxn: true}
}

func (id ID) String() string {
	if id.InTxn {
		return fmt.Sprintf("%s.%s.t%d", id.NodeID, id.CopyID, id.TxnID)
	}
	return fmt.Sprintf("%s.%s.r%d/%d", id.NodeID, id.CopyID, id.RevItem.Revision, id.RevItem.Number)
}

// NodeKind is the kind of a filesystem node.
type NodeKind uint8

const (
	NodeNone NodeKind = iota
	NodeFile
	NodeDir
	NodeUnknown
)

func (k NodeKind) String() string {
	switch k {
	case NodeNone:
		return "none"
	case NodeFile:
		return "file"
	case NodeDir:
		return "dir"
	case NodeUnknown:
		return "unknown"
	}
	return fmt.Sprintf("NodeKind(%d)", uint8(k))
}

// ChangeKind says what happened to a path.
type ChangeKind uint8

const (
	ChangeModify ChangeKind = iota
	ChangeAdd
	ChangeDelete
	ChangeReplace
	ChangeReset
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeModify:
		return "modify"
	case ChangeAdd:
		return "add"
	case ChangeDelete:
		return "delete"
	case ChangeReplace:
		return "replace"
	case ChangeReset:
		return "reset"
	}
	return fmt.Sprintf("ChangeKind(%d)", uint8(k))
}

// Change is one path's change within a revision or transaction.
// The copy source is present iff CopyfromRev is valid.
type Change struct {
	Path         string
	NodeRevID    ID
	Kind         ChangeKind
	TextMod      bool
	PropMod      bool
	NodeKind     NodeKind
	CopyfromRev  Revnum
	CopyfromPath string
}

// Uniquifier distinguishes uses of a shared representation.
type Uniquifier struct {
	TxnID  uint64
	Number uint64
}

// Representation describes stored text or property content.
type Representation struct {
	MD5          [md5.Size]byte
	SHA1         [sha1.Size]byte
	HasSHA1      bool
	Revision     Revnum
	ItemIndex    uint64
	Size         uint64
	ExpandedSize uint64
	Uniquifier   Uniquifier
}

// NodeRevision is the metadata of one version of a node.
//
// The copy-from, copy-root and created paths are only meaningful when
// their Has flag is set, and may then be empty. The revision that goes
// with an absent path is InvalidRevnum.
type NodeRevision struct {
	Kind             NodeKind
	ID               ID
	PredecessorID    *ID
	PredecessorCount int
	CopyfromRev      Revnum
	CopyfromPath     string
	CopyrootRev      Revnum
	CopyrootPath     string
	DataRep          *Representation
	PropRep          *Representation
	CreatedPath      string
	MergeinfoCount   int64
	HasMergeinfo     bool
	HasCopyfrom      bool
	HasCopyroot      bool
	HasCreatedPath   bool
}
