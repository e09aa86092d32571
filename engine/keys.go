package engine

import (
	"fmt"
	"strings"

	"github.com/sodazone/xcmon/types"
)

// Sublevel is the janitor sublevel name for pending correlation rows.
const Sublevel = "matching"

// hashEscaper maps message-hash characters that are not valid in JetStream
// KV keys to safe equivalents. Hashes are normally 0x-prefixed hex, so this
// is a no-op in practice.
var hashEscaper = strings.NewReplacer(":", "-", ".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// correlationKey derives the canonical key joining the two sides of a leg:
// message hash plus the chain where the leg terminates. A Received event
// knows only its own waypoint, so the terminating chain - not the leg
// index - is the shared coordinate both sides can compute.
func correlationKey(hash string, stop types.NetworkURN) string {
	return fmt.Sprintf("%s.%s", hashEscaper.Replace(hash), stop.Token())
}

// hashPrefix returns the key prefix shared by all legs of a message, used
// to locate pending rows for trail updates.
func hashPrefix(hash string) string {
	return hashEscaper.Replace(hash) + "."
}
