package persist

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/store"
)

// FormatVersion tags every snapshot. Snapshots with another version are
// treated as corrupt.
const FormatVersion = 1

// formatName guards against decoding unrelated gzip JSON.
const formatName = "entsync-snapshot"

// maxSnapshotSize caps the decompressed size accepted by Decode.
const maxSnapshotSize = 256 << 20

// ErrCorrupt wraps every decode failure.
var ErrCorrupt = errors.New("snapshot corrupt")

// Encode renders st as canonical JSON, the form that is hashed for
// coalescing.
//
// Layout:
//
//	{"clock":N,"format":"entsync-snapshot",
//	 "slots":[{"ids":[...],"key":"...","resource":"...","seq":N,"total":N}],
//	 "tables":{"<resource>":[{"entity":{...},"id":"...","seq":N}]},
//	 "version":1}
func Encode(st *store.State) ([]byte, error) {
	tables := ir.Object{}
	for resource, rows := range st.Tables {
		arr := make(ir.Array, len(rows))
		for i, row := range rows {
			arr[i] = ir.Object{
				"id":     ir.String(row.ID),
				"seq":    ir.Int(row.Seq),
				"entity": row.Entity,
			}
		}
		tables[resource] = arr
	}
	slots := make(ir.Array, len(st.Slots))
	for i, sl := range st.Slots {
		ids := make(ir.Array, len(sl.IDs))
		for j, id := range sl.IDs {
			ids[j] = ir.String(id)
		}
		slots[i] = ir.Object{
			"key":      ir.String(sl.Key),
			"resource": ir.String(sl.Resource),
			"ids":      ids,
			"total":    ir.Int(sl.Total),
			"seq":      ir.Int(sl.Seq),
		}
	}
	doc := ir.Object{
		"format":  ir.String(formatName),
		"version": ir.Int(FormatVersion),
		"clock":   ir.Int(st.Clock),
		"tables":  tables,
		"slots":   slots,
	}
	data, err := ir.MarshalCanonical(doc)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Compress gzips canonical snapshot JSON.
func Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Compress and Encode. Every failure wraps ErrCorrupt.
func Decode(data []byte) (*store.State, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, corrupt("gzip", err)
	}
	raw, err := io.ReadAll(io.LimitReader(zr, maxSnapshotSize+1))
	if err != nil {
		return nil, corrupt("gzip", err)
	}
	if len(raw) > maxSnapshotSize {
		return nil, corrupt("size", fmt.Errorf("exceeds %d bytes", maxSnapshotSize))
	}
	v, err := ir.UnmarshalValue(raw)
	if err != nil {
		return nil, corrupt("json", err)
	}
	doc, ok := v.(ir.Object)
	if !ok {
		return nil, corrupt("json", fmt.Errorf("top level is %T", v))
	}
	if doc["format"] != ir.String(formatName) {
		return nil, corrupt("format", fmt.Errorf("unexpected format %v", doc["format"]))
	}
	if doc["version"] != ir.Int(FormatVersion) {
		return nil, corrupt("version", fmt.Errorf("unsupported version %v", doc["version"]))
	}

	st := &store.State{Tables: make(map[string][]store.EntityRecord)}
	if st.Clock, err = intField(doc, "clock"); err != nil {
		return nil, corrupt("clock", err)
	}

	tables, ok := doc["tables"].(ir.Object)
	if !ok {
		return nil, corrupt("tables", errors.New("missing"))
	}
	for _, resource := range tables.SortedKeys() {
		arr, ok := tables[resource].(ir.Array)
		if !ok {
			return nil, corrupt("tables", fmt.Errorf("%s is not a list", resource))
		}
		rows := make([]store.EntityRecord, 0, len(arr))
		for i, v := range arr {
			row, err := decodeRow(v)
			if err != nil {
				return nil, corrupt("tables", fmt.Errorf("%s[%d]: %w", resource, i, err))
			}
			rows = append(rows, row)
		}
		st.Tables[resource] = rows
	}

	slots, ok := doc["slots"].(ir.Array)
	if !ok {
		return nil, corrupt("slots", errors.New("missing"))
	}
	for i, v := range slots {
		sl, err := decodeSlot(v)
		if err != nil {
			return nil, corrupt("slots", fmt.Errorf("[%d]: %w", i, err))
		}
		st.Slots = append(st.Slots, sl)
	}

	if err := st.Validate(); err != nil {
		return nil, corrupt("state", err)
	}
	return st, nil
}

func decodeRow(v ir.Value) (store.EntityRecord, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return store.EntityRecord{}, fmt.Errorf("row is %T", v)
	}
	id, ok := obj["id"].(ir.String)
	if !ok {
		return store.EntityRecord{}, errors.New("row without id")
	}
	seq, err := intField(obj, "seq")
	if err != nil {
		return store.EntityRecord{}, err
	}
	entity, ok := obj["entity"].(ir.Object)
	if !ok {
		return store.EntityRecord{}, errors.New("row without entity")
	}
	return store.EntityRecord{ID: string(id), Seq: seq, Entity: entity}, nil
}

func decodeSlot(v ir.Value) (store.SlotRecord, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return store.SlotRecord{}, fmt.Errorf("slot is %T", v)
	}
	key, ok := obj["key"].(ir.String)
	if !ok {
		return store.SlotRecord{}, errors.New("slot without key")
	}
	resource, ok := obj["resource"].(ir.String)
	if !ok {
		return store.SlotRecord{}, errors.New("slot without resource")
	}
	arr, ok := obj["ids"].(ir.Array)
	if !ok {
		return store.SlotRecord{}, errors.New("slot without ids")
	}
	ids := make([]string, 0, len(arr))
	for _, id := range arr {
		s, ok := id.(ir.String)
		if !ok {
			return store.SlotRecord{}, fmt.Errorf("slot id is %T", id)
		}
		ids = append(ids, string(s))
	}
	total, err := intField(obj, "total")
	if err != nil {
		return store.SlotRecord{}, err
	}
	seq, err := intField(obj, "seq")
	if err != nil {
		return store.SlotRecord{}, err
	}
	return store.SlotRecord{
		Key:      querykey.Key(key),
		Resource: string(resource),
		IDs:      slices.Clip(ids),
		Total:    int(total),
		Seq:      seq,
	}, nil
}

func intField(obj ir.Object, name string) (int64, error) {
	n, ok := obj[name].(ir.Int)
	if !ok {
		return 0, fmt.Errorf("%s is not an integer", name)
	}
	return int64(n), nil
}

func corrupt(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, stage, err)
}
