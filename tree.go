package hashpick

import (
	"crypto/sha256"
	"fmt"
	"sort"

	g "github.com/anacrolix/generics"

	"github.com/anacrolix/hashpick/internal/panicif"
	"github.com/anacrolix/hashpick/merkle"
	typedRoaring "github.com/anacrolix/hashpick/typed-roaring"
)

// FileOpts seeds one file's hash tree from torrent metadata.
type FileOpts struct {
	Length int64
	// The file's merkle root from the metainfo file tree.
	PiecesRoot [sha256.Size]byte
	// The file's row of piece hashes from the metainfo piece layers dictionary. Nil for files no
	// longer than one piece, and for magnet downloads until the layer is fetched from peers.
	PieceLayer [][sha256.Size]byte
}

// A sparse merkle hash tree over one file's blocks. Nodes only ever transition unknown to known:
// they're seeded from metadata, derived from two known children, or proven against a known
// ancestor. A known node is never overwritten.
type fileHashes struct {
	numBlocks      int
	numLeaves      int // numBlocks rounded up to a power of two
	numLayers      int // leaf layer through root layer inclusive
	blocksPerPiece int
	pieceLayer     int // layer holding one hash per piece, clamped to the root for short files
	numPieces      int

	nodes map[nodeAddr][sha256.Size]byte
	// Blocks proven against the root.
	verified typedRoaring.Bitmap[int]
	// Candidate block hashes that couldn't yet be connected to a trusted ancestor.
	unverified map[int][sha256.Size]byte
	// Per-layer hash of an all-pad subtree. Nodes entirely beyond the file's blocks take these
	// values and are known without proof.
	pads [][sha256.Size]byte
}

func newFileHashes(opts FileOpts, pieceLength int64) (f *fileHashes, err error) {
	if opts.Length <= 0 {
		err = fmt.Errorf("file length %v: no hash tree for empty files", opts.Length)
		return
	}
	numBlocks := int((opts.Length + merkle.BlockSize - 1) / merkle.BlockSize)
	numLeaves := int(merkle.RoundUpToPowerOfTwo(uint(numBlocks)))
	numLayers := int(merkle.Log2RoundingUp(uint(numLeaves))) + 1
	blocksPerPiece := int(pieceLength / merkle.BlockSize)
	pieceLayer := min(int(merkle.Log2RoundingUp(uint(blocksPerPiece))), numLayers-1)
	f = &fileHashes{
		numBlocks:      numBlocks,
		numLeaves:      numLeaves,
		numLayers:      numLayers,
		blocksPerPiece: blocksPerPiece,
		pieceLayer:     pieceLayer,
		numPieces:      (numBlocks + blocksPerPiece - 1) / blocksPerPiece,
		pads:           merkle.PadHashes(numLayers),
	}
	g.MakeMap(&f.nodes)
	g.MakeMap(&f.unverified)
	f.nodes[nodeAddr{numLayers - 1, 0}] = opts.PiecesRoot
	if numBlocks == 1 {
		// The root is the lone block hash.
		f.verified.Add(0)
	}
	if opts.PieceLayer != nil {
		err = f.seedPieceLayer(opts.PieceLayer)
		if err != nil {
			f = nil
		}
	}
	return
}

func (f *fileHashes) seedPieceLayer(layer [][sha256.Size]byte) error {
	if len(layer) != f.numPieces {
		return fmt.Errorf("got %d piece layer hashes, file has %d pieces", len(layer), f.numPieces)
	}
	if root := merkle.RootWithPadHash(layer, f.pads[f.pieceLayer]); root != f.root() {
		return fmt.Errorf("piece layer doesn't match pieces root: expected %x got %x", f.root(), root)
	}
	for i, h := range layer {
		f.nodes[nodeAddr{f.pieceLayer, i}] = h
		if f.pieceLayer == 0 && i < f.numBlocks {
			f.verified.Add(i)
		}
	}
	return nil
}

func (f *fileHashes) root() [sha256.Size]byte {
	return f.nodes[nodeAddr{f.numLayers - 1, 0}]
}

// The value of a node if it's known. Nodes entirely over pad leaves are always known.
func (f *fileHashes) node(a nodeAddr) (h [sha256.Size]byte, ok bool) {
	if a.offset<<a.layer >= f.numBlocks {
		return f.pads[a.layer], true
	}
	h, ok = f.nodes[a]
	return
}

// The layer of the nearest known node at or above the given one. Terminates because the root is
// always known.
func (f *fileHashes) nearestKnownAncestor(a nodeAddr) int {
	for {
		if _, ok := f.node(a); ok {
			return a.layer
		}
		a = a.parent()
	}
}

// First and one-past-last block of a piece, clipped to the file.
func (f *fileHashes) pieceBlocks(piece int) (lo, hi int) {
	lo = piece * f.blocksPerPiece
	hi = min(lo+f.blocksPerPiece, f.numBlocks)
	return
}

func (f *fileHashes) verifiedInRange(lo, hi int) int {
	return int(typedRoaring.RangeCardinality[int](&f.verified, lo, hi))
}

// Attempts to mark one block's hash known. The hash is buffered and only committed, together
// with every node derivable from it, once the chain connects to a trusted ancestor.
func (f *fileHashes) verifyLeaf(block int, hash [sha256.Size]byte) SetBlockHashResult {
	if block < 0 || block >= f.numBlocks {
		panic(fmt.Sprintf("block %d out of range for %d blocks", block, f.numBlocks))
	}
	if known, ok := f.nodes[nodeAddr{0, block}]; ok {
		if known == hash {
			return SetBlockHashResult{StatusSuccess, block, 1}
		}
		return SetBlockHashResult{StatusBlockHashFailed, block, 1}
	}
	f.unverified[block] = hash
	return f.resolve(block)
}

// Attempts to connect the buffered candidate for block to its nearest known ancestor, using
// known nodes, pad hashes and other buffered candidates. Derivations accumulate in a scratch
// map that is committed atomically on success and discarded otherwise. Blocks only verify
// against checkpoints at or below the piece layer: the root alone can't vouch for a block until
// proof hashes connect them, which keeps failures attributable to a piece or better.
func (f *fileHashes) resolve(block int) SetBlockHashResult {
	anc := nodeAddr{0, block}
	for {
		anc = anc.parent()
		if _, ok := f.node(anc); ok {
			break
		}
		if anc.layer >= f.pieceLayer {
			return SetBlockHashResult{Status: StatusUnknown}
		}
	}
	ancVal, _ := f.node(anc)
	scratch := make(map[nodeAddr][sha256.Size]byte)
	left, okL := f.derive(nodeAddr{anc.layer - 1, anc.offset << 1}, scratch)
	if !okL {
		return SetBlockHashResult{Status: StatusUnknown}
	}
	right, okR := f.derive(nodeAddr{anc.layer - 1, anc.offset<<1 | 1}, scratch)
	if !okR {
		return SetBlockHashResult{Status: StatusUnknown}
	}
	if merkle.CombineHashes(left, right) == ancVal {
		first, count := f.commit(scratch)
		return SetBlockHashResult{StatusSuccess, first, count}
	}
	lo := anc.offset << anc.layer
	hi := min(lo+1<<anc.layer, f.numBlocks)
	if hi-lo-f.verifiedInRange(lo, hi) == 1 {
		// Every other block under the ancestor is individually verified, so the break is this
		// block alone.
		delete(f.unverified, block)
		return SetBlockHashResult{StatusBlockHashFailed, block, 1}
	}
	// Can't isolate the mismatch. Drop every buffered candidate under the ancestor: the caller
	// has to reset and re-fetch the range.
	for b := range f.unverified {
		if b >= lo && b < hi {
			delete(f.unverified, b)
		}
	}
	return SetBlockHashResult{StatusPieceHashFailed, lo, hi - lo}
}

// Computes a node's value bottom-up. Known nodes short-circuit; unknown leaves draw on buffered
// candidates. Every freshly derived value lands in scratch, never in the committed store.
func (f *fileHashes) derive(a nodeAddr, scratch map[nodeAddr][sha256.Size]byte) (h [sha256.Size]byte, ok bool) {
	if h, ok = f.node(a); ok {
		return
	}
	if a.layer == 0 {
		h, ok = f.unverified[a.offset]
		if ok {
			scratch[a] = h
		}
		return
	}
	left, ok := f.derive(nodeAddr{a.layer - 1, a.offset << 1}, scratch)
	if !ok {
		return
	}
	right, ok := f.derive(nodeAddr{a.layer - 1, a.offset<<1 | 1}, scratch)
	if !ok {
		return
	}
	h = merkle.CombineHashes(left, right)
	scratch[a] = h
	return h, true
}

// Moves scratch into the permanent store. Returns the newly verified block range start and
// count. Only reached when the scratch chain hashed to a trusted ancestor.
func (f *fileHashes) commit(scratch map[nodeAddr][sha256.Size]byte) (first, count int) {
	for a, v := range scratch {
		if existing, ok := f.nodes[a]; ok {
			panicif.NotEqual(existing, v)
		}
		f.nodes[a] = v
		if a.layer != 0 || a.offset >= f.numBlocks {
			continue
		}
		f.verified.Add(a.offset)
		delete(f.unverified, a.offset)
		if count == 0 || a.offset < first {
			first = a.offset
		}
		count++
	}
	return
}

// Verifies and stores a peer-supplied hash range plus its uncle chain. Accepted only if every
// position pairs with a freshly supplied value or an already-known node, and the chain lands on
// a known ancestor. A contradiction with any known node rejects the whole batch without mutating
// anything. Passed and Failed report buffered blocks the new hashes retroactively resolve.
func (f *fileHashes) addHashes(r HashRequest, hashes [][sha256.Size]byte) (res AddHashesResult) {
	if r.Count <= 0 || r.Index < 0 || r.BaseLayer < 0 || r.ProofLayers < 0 {
		return
	}
	if r.BaseLayer >= f.numLayers {
		return
	}
	if r.Index+r.Count > f.numLeaves>>r.BaseLayer {
		return
	}
	if len(hashes) != r.Count+r.ProofLayers {
		return
	}
	base := hashes[:r.Count]
	uncles := hashes[r.Count:]

	// Smallest aligned subtree containing the requested range.
	span := int(merkle.RoundUpToPowerOfTwo(uint(r.Count)))
	for r.Index/span != (r.Index+r.Count-1)/span {
		span <<= 1
	}
	start := r.Index / span * span

	scratch := make(map[nodeAddr][sha256.Size]byte)
	row := make([][sha256.Size]byte, span)
	for i := range row {
		a := nodeAddr{r.BaseLayer, start + i}
		known, haveKnown := f.node(a)
		if a.offset >= r.Index && a.offset < r.Index+r.Count {
			supplied := base[a.offset-r.Index]
			if haveKnown {
				if known != supplied {
					return
				}
			} else {
				scratch[a] = supplied
			}
			row[i] = supplied
		} else {
			if !haveKnown {
				// The peer left a gap we can't fill.
				return
			}
			row[i] = known
		}
	}
	for len(row) > 1 {
		next := make([][sha256.Size]byte, len(row)/2)
		for i := range next {
			v := merkle.CombineHashes(row[2*i], row[2*i+1])
			layer := r.BaseLayer + int(merkle.Log2RoundingUp(uint(span))) - int(merkle.Log2RoundingUp(uint(len(next))))
			a := nodeAddr{layer, start>>(layer-r.BaseLayer) + i}
			if known, ok := f.node(a); ok {
				if known != v {
					return
				}
			} else {
				scratch[a] = v
			}
			next[i] = v
		}
		row = next
	}

	a := nodeAddr{r.BaseLayer + int(merkle.Log2RoundingUp(uint(span))), start / span}
	v := row[0]
	for _, uncle := range uncles {
		if a.layer >= f.numLayers-1 {
			// Proof continues above the root.
			return
		}
		sib := a.sibling()
		if known, ok := f.node(sib); ok {
			if known != uncle {
				return
			}
		} else {
			scratch[sib] = uncle
		}
		if a.offset&1 == 1 {
			v = merkle.CombineHashes(uncle, v)
		} else {
			v = merkle.CombineHashes(v, uncle)
		}
		a = a.parent()
		if known, ok := f.node(a); ok {
			if known != v {
				return
			}
		} else {
			scratch[a] = v
		}
	}
	if _, ok := f.node(a); !ok {
		// The chain stopped short of a known ancestor. Matches against known nodes lower down
		// don't vouch for the uncles or anything derived from them, so nothing can be kept.
		return
	}
	res.Accepted = true

	// Newly proven leaves settle any buffered candidates for the same blocks.
	for a, v := range scratch {
		if a.layer != 0 || a.offset >= f.numBlocks {
			continue
		}
		candidate, buffered := f.unverified[a.offset]
		if !buffered {
			continue
		}
		br := BlockRange{FirstBlock: a.offset, Count: 1}
		if candidate == v {
			res.Passed = append(res.Passed, br)
		} else {
			res.Failed = append(res.Failed, br)
		}
	}
	f.commit(scratch)

	// Remaining candidates may now reach a nearer ancestor.
	pending := make([]int, 0, len(f.unverified))
	for b := range f.unverified {
		pending = append(pending, b)
	}
	sort.Ints(pending)
	for _, b := range pending {
		if _, still := f.unverified[b]; !still {
			// Resolved as a sibling of an earlier candidate.
			continue
		}
		switch sub := f.resolve(b); sub.Status {
		case StatusSuccess:
			res.Passed = append(res.Passed, BlockRange{FirstBlock: sub.FirstVerifiedBlock, Count: sub.VerifiedCount})
		case StatusBlockHashFailed, StatusPieceHashFailed:
			res.Failed = append(res.Failed, BlockRange{FirstBlock: sub.FirstVerifiedBlock, Count: sub.VerifiedCount})
		}
	}
	res.Passed = coalesceRanges(res.Passed)
	res.Failed = coalesceRanges(res.Failed)
	return
}

// Merges adjacent and overlapping ranges within one file. Inputs have FileIndex unset; the
// picker stamps it on afterwards.
func coalesceRanges(ranges []BlockRange) []BlockRange {
	if len(ranges) < 2 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].FirstBlock < ranges[j].FirstBlock
	})
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.FirstBlock <= last.FirstBlock+last.Count {
			if end := r.FirstBlock + r.Count; end > last.FirstBlock+last.Count {
				last.Count = end - last.FirstBlock
			}
		} else {
			out = append(out, r)
		}
	}
	return out
}
