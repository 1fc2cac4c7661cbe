package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeError   = "ERROR"

	TypeInitialize      = "INITIALIZE"
	TypeSetGridSnapshot = "SET_GRID_SNAPSHOT"
	TypeSetActiveGrid   = "SET_ACTIVE_GRID"
	TypeSetHourOfDay    = "SET_HOUR_OF_DAY"
	TypeFlash           = "FLASH"

	TypeLightDelta = "LIGHT_DELTA"
)

var ErrUnknownType = errors.New("protocol: unknown message type")

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// DecodeCommand decodes one UI -> simulation message.
func DecodeCommand(b []byte) (Command, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return nil, err
	}
	var cmd Command
	switch base.Type {
	case TypeInitialize:
		cmd = &InitializeMsg{}
	case TypeSetGridSnapshot:
		cmd = &SetGridSnapshotMsg{}
	case TypeSetActiveGrid:
		cmd = &SetActiveGridMsg{}
	case TypeSetHourOfDay:
		cmd = &SetHourOfDayMsg{}
	case TypeFlash:
		cmd = &FlashMsg{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
	}
	if err := json.Unmarshal(b, cmd); err != nil {
		return nil, fmt.Errorf("%s: %w", base.Type, err)
	}
	return cmd, nil
}
