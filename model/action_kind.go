package model

// ActionKind is the kind of moderation action recorded in the ledger.
type ActionKind string

const (
	ActionBan      ActionKind = "ban"
	ActionTempBan  ActionKind = "temp_ban"
	ActionUnban    ActionKind = "unban"
	ActionMute     ActionKind = "mute"
	ActionTempMute ActionKind = "temp_mute"
	ActionUnmute   ActionKind = "unmute"
	ActionKick     ActionKind = "kick"
	ActionPurge    ActionKind = "purge"
)

var actionKinds = map[ActionKind]struct{}{
	ActionBan:      {},
	ActionTempBan:  {},
	ActionUnban:    {},
	ActionMute:     {},
	ActionTempMute: {},
	ActionUnmute:   {},
	ActionKick:     {},
	ActionPurge:    {},
}

// Valid reports whether k is one of the known action kinds.
func (k ActionKind) Valid() bool {
	_, ok := actionKinds[k]
	return ok
}

// Temporary reports whether k carries a duration and an expiry.
func (k ActionKind) Temporary() bool {
	return k == ActionTempBan || k == ActionTempMute
}

// Reversal returns the kind that undoes k, if any.
func (k ActionKind) Reversal() (ActionKind, bool) {
	switch k {
	case ActionBan, ActionTempBan:
		return ActionUnban, true
	case ActionMute, ActionTempMute:
		return ActionUnmute, true
	}
	return "", false
}

func (k ActionKind) String() string {
	return string(k)
}
