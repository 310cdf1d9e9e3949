package hormone

import "fmt"

// Mode is the behavior mode derived from a hormone reading.
type Mode int

const (
	ModeNeutral Mode = iota
	ModeBold
	ModeMinimal
	ModeDefensive
)

func (m Mode) String() string {
	switch m {
	case ModeBold:
		return "bold"
	case ModeMinimal:
		return "minimal-action"
	case ModeDefensive:
		return "defensive"
	default:
		return "neutral"
	}
}

// MarshalText renders the mode name in JSON and YAML.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (m *Mode) UnmarshalText(b []byte) error {
	for _, c := range []Mode{ModeNeutral, ModeBold, ModeMinimal, ModeDefensive} {
		if c.String() == string(b) {
			*m = c
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", b)
}

// Flags lists every mode condition that currently holds, in priority order.
// An empty result means neutral.
func Flags(s State, th Thresholds) []Mode {
	var out []Mode
	if s.Cortisol >= th.Defensive {
		out = append(out, ModeDefensive)
	}
	if s.Energy < th.Minimal {
		out = append(out, ModeMinimal)
	}
	if s.Dopamine > th.Bold {
		out = append(out, ModeBold)
	}
	return out
}

// ModeFor resolves the flags by fixed priority:
// defensive > minimal-action > bold > neutral.
func ModeFor(s State, th Thresholds) Mode {
	flags := Flags(s, th)
	if len(flags) == 0 {
		return ModeNeutral
	}
	return flags[0]
}

// Label returns a human-readable emotional label for status displays.
func Label(s State) string {
	switch {
	case s.Cortisol >= 0.8:
		return "defensive"
	case s.Cortisol >= 0.65:
		return "anxious"
	case s.Dopamine > 0.7:
		return "excited"
	case s.Dopamine < 0.3:
		return "lethargic"
	case s.Energy < 0.2:
		return "exhausted"
	default:
		return "balanced"
	}
}

// Params are behavioral knobs handed to the decision function.
type Params struct {
	Mode              Mode    `json:"mode"`
	PostingMultiplier float64 `json:"posting_multiplier"`
	ResponseLength    string  `json:"response_length"`
	Instruction       string  `json:"instruction"`
}

// ParamsFor derives control parameters from a reading.
func ParamsFor(s State, th Thresholds) Params {
	p := Params{
		Mode:              ModeFor(s, th),
		PostingMultiplier: 1.0,
		ResponseLength:    "normal",
		Instruction:       "Balance creativity with reliability. Suggest practical improvements.",
	}

	switch {
	case s.Cortisol >= th.Defensive:
		p.Instruction = "Be extremely cautious and precise. Avoid risky suggestions."
	case s.Dopamine > th.Bold:
		p.Instruction = "Be creative and experimental. Try bold suggestions."
	}

	switch {
	case s.Cortisol >= 0.7:
		p.PostingMultiplier = 0.25
	case s.Dopamine > th.Bold:
		p.PostingMultiplier = 1.5
	}

	switch {
	case s.Energy < 0.3:
		p.ResponseLength = "short"
	case s.Dopamine > th.Bold:
		p.ResponseLength = "verbose"
	}
	return p
}
