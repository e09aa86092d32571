package switchboard

import (
	"encoding/json"
	"fmt"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/types"
)

// PatchOp is one JSON-Patch-style operation on a subscription. Supported
// paths are the filter dimensions and the channel list; identity fields
// (id, owner, ephemeral) are immutable through patching.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

const (
	opReplace = "replace"
	opAdd     = "add"
	opRemove  = "remove"
)

func invalidPatch(format string, args ...any) error {
	args = append(args, errors.ErrInvalidPatch)
	return errors.WrapInvalid(
		fmt.Errorf(format+": %w", args...),
		"switchboard", "applyPatch", "apply patch op")
}

// applyPatch mutates the copy in place. The caller re-validates and
// recompiles afterwards, so a patch can never corrupt the live entry.
func applyPatch(sub *types.Subscription, patch []PatchOp) error {
	for _, op := range patch {
		switch op.Path {
		case "/senders":
			if err := patchFilter(&sub.Senders, op); err != nil {
				return err
			}
		case "/origins":
			if err := patchFilter(&sub.Origins, op); err != nil {
				return err
			}
		case "/destinations":
			if err := patchFilter(&sub.Destinations, op); err != nil {
				return err
			}
		case "/events":
			if err := patchFilter(&sub.Events, op); err != nil {
				return err
			}
		case "/channels":
			if err := patchChannels(&sub.Channels, op); err != nil {
				return err
			}
		default:
			return invalidPatch("unsupported patch path %q", op.Path)
		}
	}
	return nil
}

// patchFilter applies one op to a filter dimension. Remove without a
// value resets the dimension to the wildcard.
func patchFilter(fl *types.FilterList, op PatchOp) error {
	switch op.Op {
	case opReplace:
		var next types.FilterList
		if err := json.Unmarshal(op.Value, &next); err != nil {
			return invalidPatch("replace %s", op.Path)
		}
		*fl = next
	case opAdd:
		var add types.FilterList
		if err := json.Unmarshal(op.Value, &add); err != nil {
			return invalidPatch("add %s", op.Path)
		}
		if fl.IsWildcard() {
			// Adding to a wildcard narrows it to the added values.
			*fl = add
			return nil
		}
		for _, v := range add {
			if !fl.Contains(v) {
				*fl = append(*fl, v)
			}
		}
	case opRemove:
		if len(op.Value) == 0 {
			*fl = types.FilterList{types.Wildcard}
			return nil
		}
		var drop types.FilterList
		if err := json.Unmarshal(op.Value, &drop); err != nil {
			return invalidPatch("remove %s", op.Path)
		}
		kept := (*fl)[:0]
		for _, v := range *fl {
			if !drop.Contains(v) {
				kept = append(kept, v)
			}
		}
		*fl = kept
	default:
		return invalidPatch("unsupported patch op %q", op.Op)
	}
	return nil
}

func patchChannels(channels *[]types.Channel, op PatchOp) error {
	switch op.Op {
	case opReplace:
		var next []types.Channel
		if err := json.Unmarshal(op.Value, &next); err != nil {
			return invalidPatch("replace /channels")
		}
		*channels = next
	case opAdd:
		var add []types.Channel
		if err := json.Unmarshal(op.Value, &add); err != nil {
			// A single channel object is accepted too.
			var one types.Channel
			if err := json.Unmarshal(op.Value, &one); err != nil {
				return invalidPatch("add /channels")
			}
			add = []types.Channel{one}
		}
		*channels = append(*channels, add...)
	case opRemove:
		var drop []types.Channel
		if err := json.Unmarshal(op.Value, &drop); err != nil {
			var one types.Channel
			if err := json.Unmarshal(op.Value, &one); err != nil {
				return invalidPatch("remove /channels")
			}
			drop = []types.Channel{one}
		}
		kept := (*channels)[:0]
		for _, ch := range *channels {
			removed := false
			for _, d := range drop {
				if ch.Type == d.Type && ch.URL == d.URL {
					removed = true
					break
				}
			}
			if !removed {
				kept = append(kept, ch)
			}
		}
		*channels = kept
	default:
		return invalidPatch("unsupported patch op %q", op.Op)
	}
	return nil
}
