package hashpick

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"github.com/anacrolix/multiless"

	"github.com/anacrolix/hashpick/merkle"
)

// BEP 52 caps a single hash request at 512 hashes.
const maxHashesPerRequest = 512

// HashPicker owns the hash trees for one torrent's files. It decides which hash ranges to
// request from peers, routes responses and block hashes into the owning tree, and reports
// verification outcomes as plain return values. Callers must serialize access per torrent;
// independent torrents' pickers are unrelated.
type HashPicker struct {
	logger      log.Logger
	pieceLength int64
	files       []*fileHashes
	// Torrent-wide index of each file's first piece. Files are piece-aligned in v2 torrents.
	filePieceOffsets []int
	// Requests handed out and not yet answered, rejected or cancelled. At most one per range.
	inflight map[HashRequest]struct{}
	// Per file, the pieces the caller wants hashes for, with their priorities.
	wanted     []bitmap.Bitmap
	priorities []map[int]PiecePriority
}

type NewOpts struct {
	PieceLength int64
	Files       []FileOpts
	Logger      log.Logger
}

func New(opts NewOpts) (p *HashPicker, err error) {
	if opts.PieceLength < merkle.BlockSize || opts.PieceLength&(opts.PieceLength-1) != 0 {
		err = fmt.Errorf("piece length %v: must be a power of two of at least one block", opts.PieceLength)
		return
	}
	if opts.Logger.IsZero() {
		opts.Logger = log.Default
	}
	p = &HashPicker{
		logger:      opts.Logger,
		pieceLength: opts.PieceLength,
	}
	g.MakeMap(&p.inflight)
	g.MakeSliceWithLength(&p.files, len(opts.Files))
	g.MakeSliceWithLength(&p.filePieceOffsets, len(opts.Files))
	g.MakeSliceWithLength(&p.wanted, len(opts.Files))
	g.MakeSliceWithLength(&p.priorities, len(opts.Files))
	nextPiece := 0
	for i, fo := range opts.Files {
		p.filePieceOffsets[i] = nextPiece
		p.files[i], err = newFileHashes(fo, opts.PieceLength)
		if err != nil {
			err = fmt.Errorf("file %d: %w", i, err)
			p = nil
			return
		}
		g.MakeMap(&p.priorities[i])
		nextPiece += p.files[i].numPieces
	}
	return
}

// NumFiles and FileNumBlocks let callers iterate without retaining the seed data.
func (p *HashPicker) NumFiles() int {
	return len(p.files)
}

func (p *HashPicker) FileNumBlocks(fileIndex int) int {
	return p.files[fileIndex].numBlocks
}

// SetPiecePriority hints that the caller is fetching blocks in the given file piece and needs
// its hashes. PiecePriorityNone withdraws the hint.
func (p *HashPicker) SetPiecePriority(fileIndex, piece int, prio PiecePriority) {
	f := p.files[fileIndex]
	if piece < 0 || piece >= f.numPieces {
		panic(fmt.Sprintf("piece %d out of range for %d pieces", piece, f.numPieces))
	}
	if prio == PiecePriorityNone {
		p.wanted[fileIndex].Remove(bitmap.BitIndex(piece))
		delete(p.priorities[fileIndex], piece)
		return
	}
	p.wanted[fileIndex].Add(bitmap.BitIndex(piece))
	p.priorities[fileIndex][piece] = prio
}

type candidateRequest struct {
	req HashRequest
	// Piece layer fetches come first: they unlock every other request for the file.
	pieceLayer bool
	prio       PiecePriority
}

// PickHashes selects up to budget hash requests to put on the wire. have is the peer's
// torrent-wide piece bitfield; nil means assume the peer has everything. Picked requests are
// recorded as in-flight and won't be returned again until answered via AddHashes or returned
// via Rejected.
func (p *HashPicker) PickHashes(have *roaring.Bitmap, budget int) (reqs []HashRequest) {
	var candidates []candidateRequest
	for fi, f := range p.files {
		candidates = p.appendPieceLayerCandidates(candidates, fi, f, have)
		candidates = p.appendBlockCandidates(candidates, fi, f, have)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		return multiless.New().Bool(
			b.pieceLayer, a.pieceLayer,
		).Int(
			int(b.prio), int(a.prio),
		).Int(
			a.req.FileIndex, b.req.FileIndex,
		).Int(
			a.req.BaseLayer, b.req.BaseLayer,
		).Int(
			a.req.Index, b.req.Index,
		).Less()
	})
	for _, c := range candidates {
		if len(reqs) >= budget {
			break
		}
		p.inflight[c.req] = struct{}{}
		reqs = append(reqs, c.req)
	}
	return
}

// Requests for runs of unknown piece layer hashes, for files seeded with only a root. Runs are
// split at the BEP 52 request cap.
func (p *HashPicker) appendPieceLayerCandidates(
	candidates []candidateRequest,
	fileIndex int,
	f *fileHashes,
	have *roaring.Bitmap,
) []candidateRequest {
	if f.pieceLayer >= f.numLayers-1 {
		// The root covers the only piece.
		return candidates
	}
	runStart := -1
	flush := func(end int) {
		if runStart < 0 {
			return
		}
		for first := runStart; first < end; first += maxHashesPerRequest {
			count := min(end-first, maxHashesPerRequest)
			if !p.peerHasAny(have, fileIndex, first, first+count) {
				continue
			}
			req := p.requestForRange(fileIndex, f, f.pieceLayer, first, count)
			if _, ok := p.inflight[req]; ok {
				continue
			}
			candidates = append(candidates, candidateRequest{req: req, pieceLayer: true})
		}
		runStart = -1
	}
	for i := 0; i < f.numPieces; i++ {
		if _, ok := f.node(nodeAddr{f.pieceLayer, i}); ok {
			flush(i)
		} else if runStart < 0 {
			runStart = i
		}
	}
	flush(f.numPieces)
	return candidates
}

// Requests for the unknown block hashes of pieces the caller has prioritized.
func (p *HashPicker) appendBlockCandidates(
	candidates []candidateRequest,
	fileIndex int,
	f *fileHashes,
	have *roaring.Bitmap,
) []candidateRequest {
	var pieces []int
	p.wanted[fileIndex].IterTyped(func(piece int) bool {
		pieces = append(pieces, piece)
		return true
	})
	for _, piece := range pieces {
		lo, hi := f.pieceBlocks(piece)
		first, last := -1, -1
		for b := lo; b < hi; b++ {
			if _, ok := f.node(nodeAddr{0, b}); ok {
				continue
			}
			if first < 0 {
				first = b
			}
			last = b
		}
		if first < 0 {
			// Range fully known; the hint has served its purpose.
			p.wanted[fileIndex].Remove(bitmap.BitIndex(piece))
			delete(p.priorities[fileIndex], piece)
			continue
		}
		if have != nil && !have.ContainsInt(p.filePieceOffsets[fileIndex]+piece) {
			continue
		}
		for ; first <= last; first += maxHashesPerRequest {
			count := min(last-first+1, maxHashesPerRequest)
			req := p.requestForRange(fileIndex, f, 0, first, count)
			if _, ok := p.inflight[req]; ok {
				continue
			}
			candidates = append(candidates, candidateRequest{
				req:  req,
				prio: p.priorities[fileIndex][piece],
			})
		}
	}
	return candidates
}

// Builds the request for a hash range, asking for just enough proof layers to reach the
// nearest known ancestor of the range's enclosing subtree.
func (p *HashPicker) requestForRange(fileIndex int, f *fileHashes, baseLayer, first, count int) HashRequest {
	span := int(merkle.RoundUpToPowerOfTwo(uint(count)))
	for first/span != (first+count-1)/span {
		span <<= 1
	}
	if width := f.numLeaves >> baseLayer; span > width {
		span = width
	}
	top := nodeAddr{baseLayer + int(merkle.Log2RoundingUp(uint(span))), first / span}
	return HashRequest{
		FileIndex:   fileIndex,
		BaseLayer:   baseLayer,
		Index:       first,
		Count:       count,
		ProofLayers: f.nearestKnownAncestor(top) - top.layer,
	}
}

func (p *HashPicker) peerHasAny(have *roaring.Bitmap, fileIndex, firstPiece, endPiece int) bool {
	if have == nil {
		return true
	}
	for piece := firstPiece; piece < endPiece; piece++ {
		if have.ContainsInt(p.filePieceOffsets[fileIndex] + piece) {
			return true
		}
	}
	return false
}

// AddHashes feeds a peer's response to a hash request into the owning file's tree. Responses
// for requests that were never handed out, or already answered, are discarded.
func (p *HashPicker) AddHashes(req HashRequest, hashes [][sha256.Size]byte) (res AddHashesResult) {
	if _, ok := p.inflight[req]; !ok {
		p.logger.Levelf(log.Debug, "hashes for request %v that isn't outstanding", req)
		return
	}
	delete(p.inflight, req)
	res = p.files[req.FileIndex].addHashes(req, hashes)
	if !res.Accepted {
		p.logger.Levelf(log.Debug, "rejected %d hashes for file %v layer %v range [%v, %v)",
			len(hashes), req.FileIndex, req.BaseLayer, req.Index, req.Index+req.Count)
		return
	}
	for i := range res.Passed {
		res.Passed[i].FileIndex = req.FileIndex
	}
	for i := range res.Failed {
		res.Failed[i].FileIndex = req.FileIndex
	}
	p.clearCompletedHints(req.FileIndex)
	return
}

// SetBlockHash routes one downloaded block's content hash into the owning file's tree. Success
// means the block, and any buffered siblings covered by the returned range, can be persisted.
func (p *HashPicker) SetBlockHash(fileIndex, block int, hash [sha256.Size]byte) SetBlockHashResult {
	if fileIndex < 0 || fileIndex >= len(p.files) {
		panic(fmt.Sprintf("file %d out of range for %d files", fileIndex, len(p.files)))
	}
	f := p.files[fileIndex]
	res := f.verifyLeaf(block, hash)
	switch res.Status {
	case StatusSuccess:
		p.clearCompletedHints(fileIndex)
	case StatusPieceHashFailed:
		p.logger.Levelf(log.Debug, "piece hash failed for file %v blocks [%v, %v)",
			fileIndex, res.FirstVerifiedBlock, res.FirstVerifiedBlock+res.VerifiedCount)
	}
	return res
}

// Rejected returns an outstanding request to the pool, after a peer refused it or the caller
// cancelled it, so the range can be picked again.
func (p *HashPicker) Rejected(req HashRequest) {
	delete(p.inflight, req)
}

// Drops priority hints for pieces whose block hashes are now fully known.
func (p *HashPicker) clearCompletedHints(fileIndex int) {
	f := p.files[fileIndex]
	var done []int
	p.wanted[fileIndex].IterTyped(func(piece int) bool {
		lo, hi := f.pieceBlocks(piece)
		if f.verifiedInRange(lo, hi) == hi-lo {
			done = append(done, piece)
		}
		return true
	})
	for _, piece := range done {
		p.wanted[fileIndex].Remove(bitmap.BitIndex(piece))
		delete(p.priorities[fileIndex], piece)
	}
}
