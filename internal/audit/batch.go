package audit

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// KeyPrefix namespaces audit batches in a Sink.
const KeyPrefix = "audit/"

// batch is the unit persisted per flush. Batches form a chain: Hash covers
// PrevHash and the encoded events.
type batch struct {
	Seq      uint64  `cbor:"seq"`
	PrevHash string  `cbor:"prev_hash"`
	Hash     string  `cbor:"hash"`
	Events   []Event `cbor:"events"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("audit: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("audit: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("audit: zstd decoder initialization failed: " + err.Error())
	}
}

// chainHash computes the batch hash: blake3(prevHash || cbor(events)).
func chainHash(prevHash string, events []Event) (string, error) {
	raw, err := encMode.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("encode events: %w", err)
	}
	h := blake3.New()
	h.Write([]byte(prevHash))
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newBatch(seq uint64, prevHash string, events []Event) (batch, error) {
	hash, err := chainHash(prevHash, events)
	if err != nil {
		return batch{}, err
	}
	return batch{Seq: seq, PrevHash: prevHash, Hash: hash, Events: events}, nil
}

func encodeBatch(b batch) ([]byte, error) {
	raw, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decodeBatch(blob []byte) (batch, error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return batch{}, fmt.Errorf("zstd decompress: %w", err)
	}
	var b batch
	if err := decMode.Unmarshal(raw, &b); err != nil {
		return batch{}, fmt.Errorf("decode batch: %w", err)
	}
	return b, nil
}

func batchKey(unixNano int64, seq uint64) string {
	return fmt.Sprintf("%s%020d-%06d", KeyPrefix, unixNano, seq)
}
