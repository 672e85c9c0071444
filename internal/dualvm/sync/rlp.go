package sync

import "github.com/ethereum/go-ethereum/rlp"

// rlpEncodeList and rlpDecodeList wrap a BlockBodies entry: an RLP list of
// raw transaction binaries. Unlike an eth/68 block body, the entry has no
// ommers or withdrawals fields.
func rlpEncodeList(items [][]byte) ([]byte, error) {
	return rlp.EncodeToBytes(items)
}

func rlpDecodeList(data []byte, out *[][]byte) error {
	return rlp.DecodeBytes(data, out)
}
