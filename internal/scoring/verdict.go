// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scoring

import (
	"strings"
	"time"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
)

// Classification is the scorer's decision for a flow.
type Classification uint8

const (
	Benign Classification = iota
	Suspect
	Attack
)

func (c Classification) String() string {
	switch c {
	case Suspect:
		return "suspect"
	case Attack:
		return "attack"
	default:
		return "benign"
	}
}

// MarshalText encodes the classification by name.
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a classification name.
func (c *Classification) UnmarshalText(b []byte) error {
	parsed, err := ParseClassification(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClassification maps a name to a Classification.
func ParseClassification(s string) (Classification, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "benign":
		return Benign, nil
	case "suspect":
		return Suspect, nil
	case "attack":
		return Attack, nil
	}
	return Benign, errors.Errorf(errors.KindValidation, "unknown classification %q", s)
}

// Event maps the classification onto the flow lifecycle.
func (c Classification) Event() flow.Event {
	switch c {
	case Attack:
		return flow.EventAttack
	case Suspect:
		return flow.EventSuspect
	default:
		return flow.EventBenign
	}
}

// Reason explains a verdict.
type Reason string

const (
	ReasonRateExceeded     Reason = "rate_exceeded"
	ReasonDurationExceeded Reason = "duration_exceeded"
	ReasonModelScore       Reason = "model_score"
	ReasonModelSuspect     Reason = "model_suspect"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonRulesOnly        Reason = "rules_only"
	ReasonBenign           Reason = "benign"
	ReasonSourceFlood      Reason = "source_flood"
)

// Verdict is the outcome of scoring one flow snapshot.
type Verdict struct {
	ID             string         `json:"id"`
	Key            flow.Key       `json:"-"`
	Flow           string         `json:"flow"`
	Src            flow.Endpoint  `json:"-"`
	Dst            flow.Endpoint  `json:"-"`
	Source         string         `json:"src"`
	Destination    string         `json:"dst"`
	Protocol       uint8          `json:"protocol"`
	Score          float64        `json:"score"`
	ModelAvailable bool           `json:"model_available"`
	Classification Classification `json:"classification"`
	Reason         Reason         `json:"reason"`
	State          flow.State     `json:"-"`
	StateName      string         `json:"state"`
	Packets        uint64         `json:"packets"`
	PacketRate     float64        `json:"packet_rate"`
	Duration       float64        `json:"duration_secs"`
	Country        string         `json:"country,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// WithState records the lifecycle state reached after this verdict.
func (v Verdict) WithState(s flow.State) Verdict {
	v.State = s
	v.StateName = s.String()
	return v
}
