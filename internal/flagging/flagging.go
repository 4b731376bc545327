// Package flagging turns per-session classifier labels into per-center flags.
package flagging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultThreshold is the flagged-session share at which a center is flagged.
const DefaultThreshold = 0.10

// LabelAnomalous is the classifier label for a suspicious session.
const LabelAnomalous = 1

// ErrInvalidThreshold is returned for a threshold outside (0, 1].
var ErrInvalidThreshold = errors.New("flag threshold must be in (0, 1]")

// Prediction is the classifier output for one session.
type Prediction struct {
	SessionID   string   `json:"session_id"`
	Label       int      `json:"label"`
	Probability *float64 `json:"probability,omitempty"`
}

// UnmarshalJSON accepts the legacy userId and prediction_label keys.
func (p *Prediction) UnmarshalJSON(data []byte) error {
	type plain Prediction
	aux := struct {
		*plain
		UserID          json.RawMessage `json:"userId"`
		PredictionLabel *int            `json:"prediction_label"`
		ProbabilityBad  *float64        `json:"probability_cheat"`
	}{plain: (*plain)(p)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if p.SessionID == "" && len(aux.UserID) > 0 {
		var s string
		if err := json.Unmarshal(aux.UserID, &s); err == nil {
			p.SessionID = s
		} else {
			p.SessionID = string(aux.UserID)
		}
	}
	if aux.PredictionLabel != nil {
		p.Label = *aux.PredictionLabel
	}
	if p.Probability == nil {
		p.Probability = aux.ProbabilityBad
	}
	return nil
}

// Anomalous reports whether the session was labeled suspicious.
func (p Prediction) Anomalous() bool {
	return p.Label == LabelAnomalous
}

// CenterStat is the flag tally for one center.
type CenterStat struct {
	CenterID  string  `json:"center_id"`
	Total     int     `json:"total_sessions"`
	Flagged   int     `json:"flagged_sessions"`
	Rate      float64 `json:"flag_rate"`
	IsFlagged bool    `json:"flagged"`
}

// Summary is the result of one evaluation.
type Summary struct {
	BatchID         string       `json:"batch_id,omitempty"`
	Threshold       float64      `json:"threshold"`
	TotalSessions   int          `json:"total_sessions"`
	TotalFlagged    int          `json:"total_flagged"`
	FlaggedSessions []string     `json:"flagged_sessions"`
	Centers         []CenterStat `json:"centers"`
	FlaggedCenters  []string     `json:"flagged_centers"`
	EvaluatedAt     time.Time    `json:"evaluated_at"`
}

// Evaluate tallies predictions per center. centers maps session id to center
// id; sessions without a center count toward the flagged total but not toward
// any center. A later prediction for the same session replaces an earlier one.
func Evaluate(preds []Prediction, centers map[string]string, threshold float64) (*Summary, error) {
	if !(threshold > 0 && threshold <= 1) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}

	labels := make(map[string]bool, len(preds))
	for _, p := range preds {
		if p.SessionID == "" {
			continue
		}
		labels[p.SessionID] = p.Anomalous()
	}

	sessions := make(map[string]bool, len(labels)+len(centers))
	flagged := make([]string, 0)
	for id, bad := range labels {
		sessions[id] = true
		if bad {
			flagged = append(flagged, id)
		}
	}
	for id := range centers {
		sessions[id] = true
	}
	sort.Strings(flagged)

	tally := make(map[string]*CenterStat)
	for sessionID, centerID := range centers {
		if centerID == "" {
			continue
		}
		st, ok := tally[centerID]
		if !ok {
			st = &CenterStat{CenterID: centerID}
			tally[centerID] = st
		}
		st.Total++
		if labels[sessionID] {
			st.Flagged++
		}
	}

	sum := &Summary{
		Threshold:       threshold,
		TotalSessions:   len(sessions),
		TotalFlagged:    len(flagged),
		FlaggedSessions: flagged,
		Centers:         make([]CenterStat, 0, len(tally)),
		FlaggedCenters:  make([]string, 0),
		EvaluatedAt:     time.Now().UTC(),
	}
	for _, st := range tally {
		if st.Total > 0 {
			st.Rate = float64(st.Flagged) / float64(st.Total)
			st.IsFlagged = st.Rate >= threshold
		}
		if st.IsFlagged {
			sum.FlaggedCenters = append(sum.FlaggedCenters, st.CenterID)
		}
		sum.Centers = append(sum.Centers, *st)
	}
	sort.Slice(sum.Centers, func(i, j int) bool {
		return sum.Centers[i].CenterID < sum.Centers[j].CenterID
	})
	sort.Strings(sum.FlaggedCenters)
	return sum, nil
}
