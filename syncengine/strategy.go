package syncengine

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/fieldline/fieldsync/internal"
)

// resolution is the outcome of resolving one conflict.
type resolution struct {
	// apply means the server entity should be rewritten with data, version
	// incremented from the server's current value.
	apply  bool
	data   json.RawMessage
	winner string
}

// resolveConflict decides what the server value becomes when a client update
// trails the server version. The version always increments from the server's
// current value, never from the client's stale belief; under SERVER_WINS
// nothing is applied and the version is unchanged.
func resolveConflict(strategy Strategy, change ClientChange, server *internal.Entity) resolution {
	switch strategy {
	case ClientWins:
		return resolution{apply: true, data: change.Data, winner: "client"}
	case LastWriteWins:
		if change.Timestamp.After(server.LastModified) {
			return resolution{apply: true, data: change.Data, winner: "client"}
		}
		return resolution{apply: false, data: server.Data, winner: "server"}
	case Merge:
		return resolution{apply: true, data: mergePayloads(server.Data, change.Data), winner: "merged"}
	default: // ServerWins
		return resolution{apply: false, data: server.Data, winner: "server"}
	}
}

// mergePayloads is a field-level union: client fields take precedence for
// keys present in both, server-only fields (unknown to the client) are
// preserved rather than dropped.
func mergePayloads(server, client json.RawMessage) json.RawMessage {
	merged := string(server)
	if merged == "" {
		merged = "{}"
	}
	gjson.ParseBytes(client).ForEach(func(key, value gjson.Result) bool {
		out, err := sjson.SetRaw(merged, key.Str, value.Raw)
		if err == nil {
			merged = out
		}
		return true
	})
	return json.RawMessage(merged)
}
