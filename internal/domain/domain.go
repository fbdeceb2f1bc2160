package domain

// Task labels a worker can record on a check-out prompt.
const (
	TaskWakeUp = "wake_up"
	TaskSleep  = "sleep"
	TaskWork   = "work"
	TaskPlay   = "play"
	TaskDrink  = "drink"
	TaskEat    = "eat"
	TaskSit    = "sit"
	TaskStand  = "stand"
)

// Tasks lists every valid task label.
var Tasks = []string{TaskWakeUp, TaskSleep, TaskWork, TaskPlay, TaskDrink, TaskEat, TaskSit, TaskStand}

// ValidTask reports whether label is a known task label.
func ValidTask(label string) bool {
	for _, t := range Tasks {
		if t == label {
			return true
		}
	}
	return false
}

type Machine struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Condition int    `json:"condition" minimum:"0" maximum:"5"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Admin        bool   `json:"admin"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Assignment is the live record of which holder currently has which machine.
// At most one assignment may exist per machine and per holder.
type Assignment struct {
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name"`
	HolderID    string `json:"holder_id"`
	HolderName  string `json:"holder_name"`
	Task        string `json:"task"`
	ClaimedAt   string `json:"claimed_at" format:"date-time"`
}

// Prompt is the condition/battery/task/note payload attached to a log entry.
type Prompt struct {
	Condition int    `json:"condition" minimum:"0" maximum:"5"`
	Battery   int    `json:"battery" minimum:"0" maximum:"100"`
	Task      string `json:"task" enum:"wake_up,sleep,work,play,drink,eat,sit,stand"`
	Note      string `json:"note,omitempty"`
}

// LogEntry is one append-only check-out (active=true) or check-in
// (active=false) record. Entries are never mutated or deleted.
type LogEntry struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	UserID      string `json:"user_id"`
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name"`
	Active      bool   `json:"active"`
	Prompt      Prompt `json:"prompt"`
}

// MissingReport records a worker flagging a machine as physically unavailable.
type MissingReport struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	UserID      string `json:"user_id"`
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
