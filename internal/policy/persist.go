package policy

import (
	"encoding/json"

	"github.com/Pavua/krab/internal/corekit"
)

func kvKey(chatID corekit.ChatId) string {
	return "policy.chat." + string(chatID)
}

func encodePolicy(p Policy) []byte {
	b, _ := json.Marshal(p)
	return b
}

func decodePolicy(b []byte) (Policy, error) {
	var p Policy
	err := json.Unmarshal(b, &p)
	return p, err
}
