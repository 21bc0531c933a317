/*
Package hashpick verifies BitTorrent v2 merkle hashes and schedules hash requests.

Each file in a v2 torrent gets a sparse hash tree anchored at its pieces root. Block hashes
computed from downloaded data go in through SetBlockHash, hashes received from peers through
AddHashes, and PickHashes proposes the hash request messages needed to verify whatever is
still unproven.
*/
package hashpick
