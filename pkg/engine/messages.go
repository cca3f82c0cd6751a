package engine

import (
	"encoding/json"

	"github.com/Ramsey-B/trellis/pkg/models"
)

// stepMessage is the wire body enqueued onto the step queue: a step ready
// (or re-ready, after retry or approval) to be dispatched to its tool agent.
type stepMessage struct {
	PlanID  string          `json:"planId"`
	Step    models.PlanStep `json:"step"`
	Attempt int             `json:"attempt"`
}

func encodeStepMessage(m stepMessage) ([]byte, error) {
	return json.Marshal(m)
}

func decodeStepMessage(body []byte) (stepMessage, error) {
	var m stepMessage
	err := json.Unmarshal(body, &m)
	return m, err
}
