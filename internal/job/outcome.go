package job

import (
	"encoding/json"
	"errors"
)

// TaskOutcome is what one parallel task reports back when it finishes.
type TaskOutcome struct {
	TaskID           string
	RecordsWritten   int64
	BatchesSubmitted int
	Failed           bool
	Err              error
}

type outcomeJSON struct {
	TaskID           string `json:"taskId"`
	RecordsWritten   int64  `json:"recordsWritten"`
	BatchesSubmitted int    `json:"batchesSubmitted"`
	Failed           bool   `json:"failed"`
	Error            string `json:"error,omitempty"`
}

// MarshalJSON renders Err as a plain string.
func (o TaskOutcome) MarshalJSON() ([]byte, error) {
	raw := outcomeJSON{
		TaskID:           o.TaskID,
		RecordsWritten:   o.RecordsWritten,
		BatchesSubmitted: o.BatchesSubmitted,
		Failed:           o.Failed,
	}
	if o.Err != nil {
		raw.Error = o.Err.Error()
	}
	return json.Marshal(raw)
}

// UnmarshalJSON restores Err from its message. A failed outcome without a
// message still gets a non-nil Err.
func (o *TaskOutcome) UnmarshalJSON(data []byte) error {
	var raw outcomeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.TaskID = raw.TaskID
	o.RecordsWritten = raw.RecordsWritten
	o.BatchesSubmitted = raw.BatchesSubmitted
	o.Failed = raw.Failed || raw.Error != ""
	o.Err = nil
	switch {
	case raw.Error != "":
		o.Err = errors.New(raw.Error)
	case o.Failed:
		o.Err = errors.New("task failed")
	}
	return nil
}

// FirstFailure returns the first failed outcome, or nil when every task succeeded.
func FirstFailure(outcomes []TaskOutcome) *TaskOutcome {
	for i := range outcomes {
		if outcomes[i].Failed {
			return &outcomes[i]
		}
	}
	return nil
}

// TotalRecords sums the records written across outcomes.
func TotalRecords(outcomes []TaskOutcome) int64 {
	var n int64
	for _, o := range outcomes {
		n += o.RecordsWritten
	}
	return n
}
