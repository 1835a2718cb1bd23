package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	hlc "github.com/pixperk/tessera/pkg/time"
	"github.com/pixperk/tessera/pkg/types"
)

// durable form of a lock
type LockRecord struct {
	Resource     string          `json:"resource"`
	Owner        string          `json:"owner,omitempty"`
	FencingToken int64           `json:"fencing_token"`
	Expires      hlc.Timestamp   `json:"expires"`
	Tier         types.Tier      `json:"tier"`
	State        types.LockState `json:"state"`
}

func (r LockRecord) Context() *types.LockContext {
	return &types.LockContext{
		Owner:        r.Owner,
		FencingToken: r.FencingToken,
		Expires:      r.Expires,
	}
}

// durable form of a key-value
type KeyValueRecord struct {
	Key      string              `json:"key"`
	Value    []byte              `json:"value,omitempty"`
	Revision int64               `json:"revision"`
	Expires  hlc.Timestamp       `json:"expires"`
	Tier     types.Tier          `json:"tier"`
	State    types.KeyValueState `json:"state"`
}

func (r KeyValueRecord) Context() *types.KeyValueContext {
	return &types.KeyValueContext{
		Value:    r.Value,
		Revision: r.Revision,
		Expires:  r.Expires,
		State:    r.State,
	}
}

// durable store shared by every actor
// reads may run concurrently, writes arrive through the Writer queues
// upserts are idempotent by resource/key
type Store interface {
	GetLock(ctx context.Context, resource string) (*LockRecord, bool, error)
	GetKeyValue(ctx context.Context, key string) (*KeyValueRecord, bool, error)
	StoreLock(ctx context.Context, rec LockRecord) error
	StoreKeyValue(ctx context.Context, rec KeyValueRecord) error

	// streams every record, used for raft snapshots
	Export(ctx context.Context, w io.Writer) error
	// upserts every record from an Export stream
	Import(ctx context.Context, r io.Reader) error

	Close() error
}

// one line of an export stream
type exportEntry struct {
	Lock     *LockRecord     `json:"lock,omitempty"`
	KeyValue *KeyValueRecord `json:"kv,omitempty"`
}

// decodes an export stream and hands every record to the callbacks
func readExport(r io.Reader, onLock func(LockRecord) error, onKeyValue func(KeyValueRecord) error) error {
	dec := json.NewDecoder(r)
	for {
		var entry exportEntry
		if err := dec.Decode(&entry); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode export entry: %w", err)
		}

		switch {
		case entry.Lock != nil:
			if err := onLock(*entry.Lock); err != nil {
				return err
			}
		case entry.KeyValue != nil:
			if err := onKeyValue(*entry.KeyValue); err != nil {
				return err
			}
		default:
			return types.ErrUnknownRecord
		}
	}
}
