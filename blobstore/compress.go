// Per-page compression for blob storage.
//
// Blob pages are raw binary, not JSON-embedded text, so they are
// zstd-compressed directly with no printable-armouring step.
package blobstore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder — both are documented as safe for concurrent
// use. Allocated once since construction costs (state tables) would
// dominate per-page compression otherwise.
//
// SpeedFastest: compression runs on every blob page write (hot path)
// while decompression runs on blob reads. The ratio gain from a higher
// level is marginal for typical page sizes; the latency cost is not.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compressPage(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return zstdEncoder.EncodeAll(data, nil)
}

func decompressPage(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, nil
	}
	out, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptBlob, err)
	}
	return out, nil
}
