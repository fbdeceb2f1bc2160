package server

import (
	"packdesk/internal/domain"
)

type AssignRequest struct {
	Exclude []string `json:"exclude,omitempty"`
}

type AssignResponse struct {
	Machine MachineResponse `json:"machine"`
}

type ReportMissingRequest struct {
	MachineName string   `json:"machine_name"`
	Exclude     []string `json:"exclude,omitempty"`
}

type ReportMissingResponse struct {
	Machine MachineResponse `json:"machine"`
	Exclude []string        `json:"exclude"`
}

type CheckOutRequest struct {
	MachineName string `json:"machine_name"`
	Condition   int    `json:"condition" minimum:"0" maximum:"5"`
	Battery     int    `json:"battery" minimum:"0" maximum:"100"`
	Task        string `json:"task" enum:"wake_up,sleep,work,play,drink,eat,sit,stand"`
	Note        string `json:"note,omitempty"`
}

type CheckInRequest struct {
	MachineName string `json:"machine_name"`
	Condition   int    `json:"condition" minimum:"0" maximum:"5"`
	Battery     int    `json:"battery" minimum:"0" maximum:"100"`
	Note        string `json:"note,omitempty"`
}

type CheckInResponse struct {
	Entry   LogEntryResponse `json:"entry"`
	Partial bool             `json:"partial"`
}

type MachineResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Condition int    `json:"condition"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

type LogEntryResponse struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	UserID      string `json:"user_id"`
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name"`
	Active      bool   `json:"active"`
	Condition   int    `json:"condition"`
	Battery     int    `json:"battery"`
	Task        string `json:"task"`
	Note        string `json:"note,omitempty"`
}

type AssignmentResponse struct {
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name"`
	HolderID    string `json:"holder_id"`
	HolderName  string `json:"holder_name,omitempty"`
	Task        string `json:"task"`
	ClaimedAt   string `json:"claimed_at"`
}

type MissingReportResponse struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	UserID      string `json:"user_id"`
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name"`
}

type ActivityReportResponse struct {
	Active []AssignmentResponse `json:"active"`
	Idle   []string             `json:"idle"`
}

func domainPrompt(condition, battery int, task, note string) domain.Prompt {
	return domain.Prompt{
		Condition: condition,
		Battery:   battery,
		Task:      task,
		Note:      note,
	}
}

func machineResponse(m domain.Machine) MachineResponse {
	return MachineResponse{
		ID:        m.ID,
		Name:      m.Name,
		Condition: m.Condition,
		Note:      m.Note,
		CreatedAt: m.CreatedAt,
	}
}

func logEntryResponse(e domain.LogEntry) LogEntryResponse {
	return LogEntryResponse{
		ID:          e.ID,
		TS:          e.TS,
		UserID:      e.UserID,
		MachineID:   e.MachineID,
		MachineName: e.MachineName,
		Active:      e.Active,
		Condition:   e.Prompt.Condition,
		Battery:     e.Prompt.Battery,
		Task:        e.Prompt.Task,
		Note:        e.Prompt.Note,
	}
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		MachineID:   a.MachineID,
		MachineName: a.MachineName,
		HolderID:    a.HolderID,
		HolderName:  a.HolderName,
		Task:        a.Task,
		ClaimedAt:   a.ClaimedAt,
	}
}

func missingReportResponse(r domain.MissingReport) MissingReportResponse {
	return MissingReportResponse{
		ID:          r.ID,
		TS:          r.TS,
		UserID:      r.UserID,
		MachineID:   r.MachineID,
		MachineName: r.MachineName,
	}
}

func mapAssignments(items []domain.Assignment) []AssignmentResponse {
	res := []AssignmentResponse{}
	for _, a := range items {
		res = append(res, assignmentResponse(a))
	}
	return res
}

func mapMissingReports(items []domain.MissingReport) []MissingReportResponse {
	res := []MissingReportResponse{}
	for _, r := range items {
		res = append(res, missingReportResponse(r))
	}
	return res
}
