package audit

import "fmt"

// Verify walks every persisted batch in key order and checks that each
// hash covers its events and links to the previous batch. It returns the
// number of verified events.
func (l *Log) Verify() (int, error) {
	keys, batches, err := l.persisted()
	if err != nil {
		return 0, fmt.Errorf("audit: %w", err)
	}

	prevHash := ""
	var prevSeq uint64
	count := 0
	for i, b := range batches {
		if b.PrevHash != prevHash {
			return count, fmt.Errorf("audit chain broken at %s: previous hash mismatch", keys[i])
		}
		if b.Seq != prevSeq+1 {
			return count, fmt.Errorf("audit chain broken at %s: sequence %d follows %d", keys[i], b.Seq, prevSeq)
		}
		want, err := chainHash(b.PrevHash, b.Events)
		if err != nil {
			return count, fmt.Errorf("audit: rehash %s: %w", keys[i], err)
		}
		if want != b.Hash {
			return count, fmt.Errorf("audit chain broken at %s: content hash mismatch", keys[i])
		}
		prevHash = b.Hash
		prevSeq = b.Seq
		count += len(b.Events)
	}
	return count, nil
}
