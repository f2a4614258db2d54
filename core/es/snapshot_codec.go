package es

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

const (
	EncodingJSON     = "json"
	EncodingJSONZstd = "json+zstd"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil)
		zstdDecoder, _ = zstd.NewReader(nil)
	})
}

func stateHash(state []byte) string {
	sum := blake2b.Sum256(state)
	return hex.EncodeToString(sum[:])
}

func encodeSnapshotData(state []byte, compress bool) (data []byte, encoding, hash string, err error) {
	hash = stateHash(state)
	if !compress {
		return state, EncodingJSON, hash, nil
	}
	zstdInit()
	return zstdEncoder.EncodeAll(state, nil), EncodingJSONZstd, hash, nil
}

// decodeSnapshotData returns the uncompressed state, verifying the stored
// integrity hash. Any mismatch or decode failure yields
// ErrSnapshotCorrupted.
func decodeSnapshotData(s *Snapshot) ([]byte, error) {
	var (
		state []byte
		err   error
	)
	switch s.Encoding {
	case "", EncodingJSON:
		state = s.Data
	case EncodingJSONZstd:
		zstdInit()
		state, err = zstdDecoder.DecodeAll(s.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decode: %v", ErrSnapshotCorrupted, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrSnapshotCorrupted, s.Encoding)
	}

	if s.Hash != "" && s.Hash != stateHash(state) {
		return nil, fmt.Errorf("%w: hash mismatch", ErrSnapshotCorrupted)
	}
	return state, nil
}
