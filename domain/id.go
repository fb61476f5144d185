package domain

import (
	"bytes"
	"strconv"

	"github.com/bytedance/sonic"
)

// ID is a record identifier as delivered by the data source. Numeric ids
// are normalised to their decimal form so ids always compare as strings.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := sonic.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*id = ID(strconv.FormatFloat(n, 'f', -1, 64))
	return nil
}

func (id ID) String() string { return string(id) }

// StageRef is a nullable stage reference. A nil *StageRef on a task means
// the task is unassigned.
type StageRef = ID

// NewStageRef returns a reference to stageID.
func NewStageRef(stageID string) *StageRef {
	ref := StageRef(stageID)
	return &ref
}
