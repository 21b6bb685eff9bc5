package store

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// snapshotVersion is bumped when the encoded layout changes incompatibly.
const snapshotVersion = 1

type snapshotFile struct {
	Version int      `msgpack:"ver"`
	Records []Record `msgpack:"recs"`
}

// EncodeSnapshot serializes records with msgpack for export.
func EncodeSnapshot(records []Record) ([]byte, error) {
	return msgpack.Marshal(snapshotFile{Version: snapshotVersion, Records: records})
}

// DecodeSnapshot parses data produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) ([]Record, error) {
	var f snapshotFile
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	} else if f.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", f.Version)
	}
	return f.Records, nil
}

// Import inserts records oldest first so the ledger keeps their order. Pending state is not
// restored.
func (l *Ledger) Import(records []Record) {
	for i := len(records) - 1; i >= 0; i-- {
		l.Insert(records[i])
	}
}
