package peer

import (
	"encoding/json"

	"roomrelay/internal/roomstate"
)

func jsonMarshalState(st roomstate.State) (json.RawMessage, error) {
	return json.Marshal(st)
}

func jsonUnmarshalState(raw json.RawMessage) (roomstate.State, error) {
	var st roomstate.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return roomstate.State{}, err
	}
	return st, nil
}
