package hashpick

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/hashpick/merkle"
)

const testPieceLength = 4 * merkle.BlockSize

// 65 blocks over 17 pieces, with a lone tail block in the last piece.
func makeMultiPieceFile() testFile {
	return makeTestFile(1<<20 + 1000)
}

func TestPickRespectsBudgetAndOutstanding(t *testing.T) {
	tf := makeMultiPieceFile()
	p := newTestPicker(t, testPieceLength, tf, true)
	f := p.files[0]
	for piece := 0; piece < f.numPieces; piece++ {
		p.SetPiecePriority(0, piece, PiecePriorityNormal)
	}
	seen := make(map[HashRequest]struct{})
	for {
		reqs := p.PickHashes(nil, 5)
		if len(reqs) == 0 {
			break
		}
		assert.LessOrEqual(t, len(reqs), 5)
		for _, req := range reqs {
			_, dup := seen[req]
			assert.False(t, dup, "request %v returned twice while outstanding", req)
			seen[req] = struct{}{}
		}
	}
	qt.Assert(t, qt.HasLen(seen, f.numPieces))
}

func TestPickPriorityOrdering(t *testing.T) {
	tf := makeMultiPieceFile()
	p := newTestPicker(t, testPieceLength, tf, true)
	p.SetPiecePriority(0, 1, PiecePriorityNormal)
	p.SetPiecePriority(0, 9, PiecePriorityReadahead)
	p.SetPiecePriority(0, 5, PiecePriorityNow)
	reqs := p.PickHashes(nil, 3)
	require.Len(t, reqs, 3)
	assert.Equal(t, []int{20, 36, 4}, []int{reqs[0].Index, reqs[1].Index, reqs[2].Index})
}

func TestPickFiltersByHaveBitfield(t *testing.T) {
	tf := makeMultiPieceFile()
	p := newTestPicker(t, testPieceLength, tf, true)
	for _, piece := range []int{1, 2, 3} {
		p.SetPiecePriority(0, piece, PiecePriorityNormal)
	}
	reqs := p.PickHashes(roaring.BitmapOf(2), 10)
	require.Len(t, reqs, 1)
	qt.Assert(t, qt.Equals(reqs[0].Index, 8))
}

func TestPickOnlyUnknownSuffix(t *testing.T) {
	tf := makeMultiPieceFile()
	p := newTestPicker(t, testPieceLength, tf, true)
	// Prove the first two leaves of piece 0 out of band.
	req := HashRequest{FileIndex: 0, BaseLayer: 0, Index: 0, Count: 2, ProofLayers: 1}
	require.True(t, p.files[0].addHashes(req, tf.tree.answer(req)).Accepted)
	p.SetPiecePriority(0, 0, PiecePriorityNormal)
	reqs := p.PickHashes(nil, 1)
	require.Len(t, reqs, 1)
	// Only the still-unknown half of the piece, and no proof needed: the range's subtree root
	// became known along with the first half's proof.
	qt.Assert(t, qt.Equals(reqs[0], HashRequest{FileIndex: 0, BaseLayer: 0, Index: 2, Count: 2, ProofLayers: 0}))
}

func TestRejectedRequestRepicked(t *testing.T) {
	tf := makeMultiPieceFile()
	p := newTestPicker(t, testPieceLength, tf, true)
	p.SetPiecePriority(0, 4, PiecePriorityNormal)
	reqs := p.PickHashes(nil, 10)
	require.Len(t, reqs, 1)
	qt.Assert(t, qt.HasLen(p.PickHashes(nil, 10), 0))
	p.Rejected(reqs[0])
	again := p.PickHashes(nil, 10)
	require.Len(t, again, 1)
	qt.Assert(t, qt.Equals(again[0], reqs[0]))
}

// Magnet-style start: only the root is known, so piece layer hashes are fetched first, then
// block hash requests become possible.
func TestPieceLayerFetchedFirst(t *testing.T) {
	tf := makeTestFile(1 << 20) // 64 blocks, 16 pieces
	p := newTestPicker(t, testPieceLength, tf, false)
	p.SetPiecePriority(0, 3, PiecePriorityNow)
	reqs := p.PickHashes(nil, 10)
	require.NotEmpty(t, reqs)
	layerReq := reqs[0]
	qt.Assert(t, qt.Equals(layerReq, HashRequest{FileIndex: 0, BaseLayer: 2, Index: 0, Count: 16, ProofLayers: 0}))
	res := p.AddHashes(layerReq, tf.tree.answer(layerReq))
	require.True(t, res.Accepted)
	reqs = p.PickHashes(nil, 10)
	require.Len(t, reqs, 1)
	qt.Assert(t, qt.Equals(reqs[0], HashRequest{FileIndex: 0, BaseLayer: 0, Index: 12, Count: 4, ProofLayers: 0}))
}

func TestPieceOffsetsAcrossFiles(t *testing.T) {
	a := makeTestFile(4 * testPieceLength) // pieces 0-3
	b := makeTestFile(2 * testPieceLength) // pieces 4-5
	p, err := New(NewOpts{
		PieceLength: testPieceLength,
		Files: []FileOpts{
			{Length: int64(len(a.data)), PiecesRoot: a.tree.root(), PieceLayer: a.tree.pieceLayer(testPieceLength)},
			{Length: int64(len(b.data)), PiecesRoot: b.tree.root(), PieceLayer: b.tree.pieceLayer(testPieceLength)},
		},
	})
	require.NoError(t, err)
	p.SetPiecePriority(0, 0, PiecePriorityNormal)
	p.SetPiecePriority(1, 0, PiecePriorityNormal)
	// The peer only has the second file's first piece.
	reqs := p.PickHashes(roaring.BitmapOf(4), 10)
	require.Len(t, reqs, 1)
	qt.Assert(t, qt.Equals(reqs[0].FileIndex, 1))
	qt.Assert(t, qt.Equals(reqs[0].Index, 0))
}

// Responses must correspond to an outstanding request; invented tuples are discarded before
// they touch the tree.
func TestUnsolicitedHashesIgnored(t *testing.T) {
	tf := makeTestFile(1 << 20)
	p := newTestPicker(t, testPieceLength, tf, false)
	f := p.files[0]
	nodesBefore := len(f.nodes)
	req := HashRequest{FileIndex: 0, BaseLayer: 2, Index: 0, Count: 16}
	res := p.AddHashes(req, tf.tree.answer(req))
	assert.False(t, res.Accepted)
	assert.Equal(t, nodesBefore, len(f.nodes))
	// The same tuple is accepted once it has actually been handed out.
	reqs := p.PickHashes(nil, 1)
	require.Len(t, reqs, 1)
	qt.Assert(t, qt.Equals(reqs[0], req))
	require.True(t, p.AddHashes(req, tf.tree.answer(req)).Accepted)
}

// Withdrawing a hint, or its piece becoming fully known, stops producing requests for it.
func TestPriorityHintLifecycle(t *testing.T) {
	tf := makeMultiPieceFile()
	p := newTestPicker(t, testPieceLength, tf, true)
	f := p.files[0]
	p.SetPiecePriority(0, 2, PiecePriorityNormal)
	reqs := p.PickHashes(nil, 1)
	require.Len(t, reqs, 1)
	p.Rejected(reqs[0])
	p.SetPiecePriority(0, 2, PiecePriorityNone)
	qt.Assert(t, qt.HasLen(p.PickHashes(nil, 1), 0))

	p.SetPiecePriority(0, 3, PiecePriorityNormal)
	proof := HashRequest{FileIndex: 0, BaseLayer: 0, Index: 12, Count: 4}
	require.True(t, f.addHashes(proof, tf.tree.answer(proof)).Accepted)
	qt.Assert(t, qt.HasLen(p.PickHashes(nil, 10), 0))
	qt.Assert(t, qt.HasLen(p.priorities[0], 0))
}

// Drive a whole file to verified via picked requests and correct answers.
func TestRoundTripAllRequests(t *testing.T) {
	tf := makeMultiPieceFile()
	p := newTestPicker(t, testPieceLength, tf, true)
	f := p.files[0]
	for piece := 0; piece < f.numPieces; piece++ {
		p.SetPiecePriority(0, piece, PiecePriorityNormal)
	}
	for i := 0; ; i++ {
		require.Less(t, i, 100, "request churn without converging")
		reqs := p.PickHashes(nil, 4)
		if len(reqs) == 0 {
			break
		}
		for _, req := range reqs {
			res := p.AddHashes(req, tf.tree.answer(req))
			require.True(t, res.Accepted, "request %v", req)
		}
	}
	for block := range tf.blocks {
		res := p.SetBlockHash(0, block, tf.blocks[block])
		assert.Equal(t, StatusSuccess, res.Status, "block %d", block)
	}
}

func TestNewRejectsBadSeeds(t *testing.T) {
	tf := makeTestFile(testLength61KiB)
	badLayer := append([][32]byte(nil), tf.tree.pieceLayer(testPieceLength)...)
	badLayer[0][0] ^= 1
	_, err := New(NewOpts{
		PieceLength: testPieceLength,
		Files: []FileOpts{
			{Length: testLength61KiB, PiecesRoot: tf.tree.root(), PieceLayer: badLayer},
		},
	})
	assert.Error(t, err)
	_, err = New(NewOpts{
		PieceLength: merkle.BlockSize + 1,
		Files:       []FileOpts{{Length: testLength61KiB, PiecesRoot: tf.tree.root()}},
	})
	assert.Error(t, err)
	_, err = New(NewOpts{
		PieceLength: testPieceLength,
		Files:       []FileOpts{{Length: 0}},
	})
	assert.Error(t, err)
}
