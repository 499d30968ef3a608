package token

import (
	"fmt"
	"strings"
)

// SlotDescriptor is a slot with a token present. Slot IDs are only valid
// for the library instance they were read from; TokenSerial is the stable
// identifier.
type SlotDescriptor struct {
	ID          uint
	TokenSerial string
	TokenLabel  string
}

// ListSlots returns the slots of m that hold a token. Slots whose token
// info cannot be read are left out.
func ListSlots(m Module) ([]SlotDescriptor, error) {
	ids, err := m.GetSlotList(true)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", Translate(err))
	}
	out := make([]SlotDescriptor, 0, len(ids))
	for _, id := range ids {
		info, err := m.GetTokenInfo(id)
		if err != nil {
			continue
		}
		out = append(out, SlotDescriptor{
			ID:          id,
			TokenSerial: strings.TrimSpace(info.SerialNumber),
			TokenLabel:  strings.TrimSpace(info.Label),
		})
	}
	return out, nil
}

// FindSlotBySerial returns the slot holding the token with the given serial,
// compared trimmed and case-insensitively.
func FindSlotBySerial(m Module, serial string) (uint, error) {
	want := strings.TrimSpace(serial)
	slots, err := ListSlots(m)
	if err != nil {
		return 0, err
	}
	for _, s := range slots {
		if strings.EqualFold(s.TokenSerial, want) {
			return s.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: no token with serial %q", ErrTokenNotFound, want)
}
