package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// schemas maps a subject to the check its payloads must pass.
var schemas = map[string]func(data []byte) error{
	SubjectTaskExecute: validateTaskExecute,
}

// Validate checks that data is JSON and, for a known subject, that it
// matches the subject's payload schema. Other subjects only need valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("%s: payload is not valid JSON", subject)
	}
	check, ok := schemas[subject]
	if !ok {
		return nil
	}
	if err := check(data); err != nil {
		return fmt.Errorf("%s: %w", subject, err)
	}
	return nil
}

func validateTaskExecute(data []byte) error {
	var p TaskExecutePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.TaskID == "" {
		return errors.New("task_id is required")
	}
	switch p.Reason {
	case ReasonConfirmed, ReasonClarified, ReasonRecovered:
		return nil
	default:
		return fmt.Errorf("unknown reason %q", p.Reason)
	}
}
