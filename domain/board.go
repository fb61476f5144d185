package domain

// UnassignedStageID is the drop target id of the column holding tasks
// without a stage.
const UnassignedStageID = "unassigned"

// Column is a stage together with the tasks assigned to it.
type Column struct {
	Stage
	Tasks []Task `json:"tasks"`
}

// Board is the task board view derived from the current stage and task
// lists. It is rebuilt on every read and never stored.
type Board struct {
	Loading         bool     `json:"loading"`
	UnassignedTasks []Task   `json:"unassignedTasks"`
	Columns         []Column `json:"columns"`
}

func emptyBoard() Board {
	return Board{Loading: true, UnassignedTasks: []Task{}, Columns: []Column{}}
}

// BuildBoard partitions tasks into the unassigned bucket and one column per
// stage. Columns keep the order of stages. A task whose stage id matches no
// stage is left out. When either list is empty the board is still loading
// and comes back empty.
func BuildBoard(stages []Stage, tasks []Task) Board {
	if len(stages) == 0 || len(tasks) == 0 {
		return emptyBoard()
	}

	board := Board{
		UnassignedTasks: []Task{},
		Columns:         make([]Column, len(stages)),
	}
	index := make(map[ID]int, len(stages))
	for i, s := range stages {
		board.Columns[i] = Column{Stage: s, Tasks: []Task{}}
		if _, dup := index[s.ID]; !dup {
			index[s.ID] = i
		}
	}

	for _, t := range tasks {
		if t.Unassigned() {
			board.UnassignedTasks = append(board.UnassignedTasks, t)
			continue
		}
		i, ok := index[*t.StageID]
		if !ok {
			continue
		}
		board.Columns[i].Tasks = append(board.Columns[i].Tasks, t)
	}
	return board
}

// TaskCount returns the number of tasks placed on the board.
func (b Board) TaskCount() int {
	n := len(b.UnassignedTasks)
	for _, c := range b.Columns {
		n += len(c.Tasks)
	}
	return n
}
