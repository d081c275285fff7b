package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/mutate"
)

// Kind is the kind of a remote change.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Change is one delta delivered by a peer or the server. Insert and update
// carry the full row; delete needs only the id.
type Change struct {
	Resource string    `json:"resource"`
	Kind     Kind      `json:"kind"`
	ID       string    `json:"id,omitempty"`
	Entity   ir.Object `json:"entity,omitempty"`
}

// ErrInvalidChange is wrapped by every validation failure.
var ErrInvalidChange = errors.New("invalid change")

// normalize fills the id from the entity and checks the change is usable.
func (c Change) normalize() (Change, error) {
	if c.Resource == "" {
		return c, fmt.Errorf("%w: empty resource", ErrInvalidChange)
	}
	switch c.Kind {
	case KindInsert, KindUpdate:
		if c.Entity == nil {
			return c, fmt.Errorf("%w: %s without entity", ErrInvalidChange, c.Kind)
		}
		if c.ID == "" {
			id, err := ir.EntityID(c.Entity)
			if err != nil {
				return c, fmt.Errorf("%w: %v", ErrInvalidChange, err)
			}
			c.ID = id
		}
		if id, err := ir.EntityID(c.Entity); err != nil {
			c.Entity = ir.WithID(c.Entity, c.ID)
		} else if id != c.ID {
			return c, fmt.Errorf("%w: id %q but entity carries %q", ErrInvalidChange, c.ID, id)
		}
	case KindDelete:
		if c.ID == "" && c.Entity != nil {
			if id, err := ir.EntityID(c.Entity); err == nil {
				c.ID = id
			}
		}
		if c.ID == "" {
			return c, fmt.Errorf("%w: delete without id", ErrInvalidChange)
		}
	default:
		return c, fmt.Errorf("%w: unknown kind %q", ErrInvalidChange, c.Kind)
	}
	return c, nil
}

// Marshal encodes a change for the wire.
func (c Change) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalChange decodes and validates a wire change.
func UnmarshalChange(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	return c.normalize()
}

// FromCommit turns a committed local mutation into the change peers see.
func FromCommit(c mutate.Commit) Change {
	out := Change{Resource: c.Resource, ID: c.ID}
	switch c.Kind {
	case mutate.KindCreate:
		out.Kind = KindInsert
		out.Entity = c.Entity
	case mutate.KindUpdate:
		out.Kind = KindUpdate
		out.Entity = c.Entity
	case mutate.KindDelete:
		out.Kind = KindDelete
	}
	return out
}
