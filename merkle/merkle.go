package merkle

import (
	"crypto/sha256"
	"fmt"
	"math/bits"

	g "github.com/anacrolix/generics"
)

// The leaf block size for BitTorrent v2 Merkle trees.
const BlockSize = 1 << 14 // 16KiB

// CombineHashes derives an internal node's value from its two children.
func CombineHashes(left, right [sha256.Size]byte) [sha256.Size]byte {
	var buf [2 * sha256.Size]byte
	copy(buf[:], left[:])
	copy(buf[sha256.Size:], right[:])
	return sha256.Sum256(buf[:])
}

func Root(hashes [][sha256.Size]byte) [sha256.Size]byte {
	switch len(hashes) {
	case 0:
		return sha256.Sum256(nil)
	case 1:
		return hashes[0]
	}
	numHashes := uint(len(hashes))
	if numHashes != RoundUpToPowerOfTwo(numHashes) {
		panic(fmt.Sprintf("expected power of two number of hashes, got %d", numHashes))
	}
	layer := append([][sha256.Size]byte(nil), hashes...)
	for len(layer) > 1 {
		for i := 0; i < len(layer); i += 2 {
			layer[i/2] = CombineHashes(layer[i], layer[i+1])
		}
		layer = layer[:len(layer)/2]
	}
	return layer[0]
}

func RootWithPadHash(hashes [][sha256.Size]byte, padHash [sha256.Size]byte) [sha256.Size]byte {
	for uint(len(hashes)) < RoundUpToPowerOfTwo(uint(len(hashes))) {
		hashes = append(hashes, padHash)
	}
	return Root(hashes)
}

// PadHashes returns the pad hash for each layer of a tree with the given number of layers. The
// layer 0 pad is the hash of a missing block, all zeroes per BEP 52; each higher layer pads with
// the hash of two pads from the layer below.
func PadHashes(layers int) (pads [][sha256.Size]byte) {
	g.MakeSliceWithLength(&pads, layers)
	for i := 1; i < layers; i++ {
		pads[i] = CombineHashes(pads[i-1], pads[i-1])
	}
	return
}

// Returns the padding hash for the hash layer corresponding to a piece. It can't be zero because
// that's the bottom-most layer (the hashes for the smallest blocks).
func HashForPiecePad(pieceLength int64) (hash [sha256.Size]byte) {
	// This should be a power of two, and probably checked elsewhere.
	blocksPerPiece := pieceLength / BlockSize
	blockHashes := make([][sha256.Size]byte, blocksPerPiece)
	return Root(blockHashes)
}

func CompactLayerToSliceHashes(compactLayer string) (hashes [][sha256.Size]byte, err error) {
	g.MakeSliceWithLength(&hashes, len(compactLayer)/sha256.Size)
	for i := range hashes {
		n := copy(hashes[i][:], compactLayer[i*sha256.Size:])
		if n != sha256.Size {
			err = fmt.Errorf("compact layer has incomplete hash at index %d", i)
			return
		}
	}
	return
}

func RoundUpToPowerOfTwo(n uint) (ret uint) {
	return 1 << bits.Len(n-1)
}

func Log2RoundingUp(n uint) (ret uint) {
	return uint(bits.Len(n - 1))
}
