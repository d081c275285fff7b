package client

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/entsync/internal/ir"
)

// Decode maps rows onto a typed record through its JSON tags.
//
//	type Profile struct {
//		ID       string `json:"id"`
//		FullName string `json:"full_name"`
//	}
//	profiles, err := client.Decode[Profile](q.Data())
func Decode[T any](rows []ir.Object) ([]T, error) {
	out := make([]T, 0, len(rows))
	for i, row := range rows {
		v, err := DecodeOne[T](row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// DecodeOne maps one row onto T.
func DecodeOne[T any](row ir.Object) (T, error) {
	var v T
	data, err := json.Marshal(row)
	if err != nil {
		return v, fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
