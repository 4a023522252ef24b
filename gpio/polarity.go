package gpio

// ToLevel translates a logical device state into an electrical level for a
// pin with the given polarity. For an active-low pin, logical ON is
// electrical LOW.
func ToLevel(state, activeLow bool) bool {
	return state != activeLow
}

// FromLevel translates an electrical level read from hardware back into a
// logical device state. It is its own inverse composed with ToLevel.
func FromLevel(level, activeLow bool) bool {
	return level != activeLow
}
