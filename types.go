package hashpick

// Identifies a hash tree node. Layer 0 is the block (leaf) layer; the root sits alone on the
// highest layer.
type nodeAddr struct {
	layer  int
	offset int
}

func (a nodeAddr) parent() nodeAddr {
	return nodeAddr{a.layer + 1, a.offset >> 1}
}

func (a nodeAddr) sibling() nodeAddr {
	return nodeAddr{a.layer, a.offset ^ 1}
}

// A request for a contiguous range of hashes from a layer of a file's hash tree, plus however
// many ancestor proof hashes are needed to connect the range to the nearest known ancestor.
// Field meanings follow the BEP 52 hash request message. Comparable so it can key in-flight
// bookkeeping.
type HashRequest struct {
	FileIndex   int
	BaseLayer   int
	Index       int
	Count       int
	ProofLayers int
}

type VerifyStatus byte

const (
	// Not enough of the tree is known to connect the block to a trusted ancestor. The block stays
	// buffered; request more proof hashes.
	StatusUnknown VerifyStatus = iota
	StatusSuccess
	// The mismatch is isolated to a single block: every other block under the nearest known
	// ancestor was already verified individually.
	StatusBlockHashFailed
	// The mismatch can't be pinned on one block; the whole affected range must be re-fetched.
	StatusPieceHashFailed
)

func (s VerifyStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusSuccess:
		return "success"
	case StatusBlockHashFailed:
		return "block hash failed"
	case StatusPieceHashFailed:
		return "piece hash failed"
	default:
		return "unrecognized"
	}
}

type SetBlockHashResult struct {
	Status VerifyStatus
	// On success, the first block newly verified by this call. On a piece-level failure, the
	// start of the range that must be reset before retrying.
	FirstVerifiedBlock int
	// Blocks verified by this call, including buffered siblings resolved as a side effect. On a
	// piece-level failure, the length of the affected range.
	VerifiedCount int
}

// A run of blocks within one file.
type BlockRange struct {
	FileIndex  int
	FirstBlock int
	Count      int
}

type AddHashesResult struct {
	// False means the supplied hashes contradict the tree or don't connect to a known ancestor.
	// Nothing was stored; the peer that supplied them should be penalized.
	Accepted bool
	// Previously buffered blocks retroactively verified by the new hashes.
	Passed []BlockRange
	// Previously buffered blocks the new hashes prove corrupt.
	Failed []BlockRange
}

// PiecePriority describes the importance of obtaining a particular piece's hashes.
type PiecePriority byte

const (
	PiecePriorityNone PiecePriority = iota
	PiecePriorityNormal
	PiecePriorityReadahead
	PiecePriorityNext
	PiecePriorityNow
)
