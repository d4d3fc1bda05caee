package domain

import "errors"

var (
	// ErrNotFound is returned by stores and collaborators when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExamSessionExists is returned when a dossier already has an exam session.
	ErrExamSessionExists = errors.New("exam session already exists")
)

type Circuit struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Active     bool   `json:"active"`
	EntityName string `json:"entity_name"`
	Steps      []Step `json:"steps"`
	CreatedAt  string `json:"created_at,omitempty" format:"date-time"`
}

type Step struct {
	ID        string   `json:"id"`
	CircuitID string   `json:"circuit_id,omitempty"`
	Code      string   `json:"code"`
	Label     string   `json:"label"`
	Order     *int     `json:"order,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	// StatusLabel and StatusRecordID are overlaid from the dossier's step-status records.
	StatusLabel    string  `json:"status_label,omitempty"`
	StatusRecordID string  `json:"status_record_id,omitempty"`
	Pieces         []Piece `json:"pieces"`
}

type Piece struct {
	ID             string `json:"id"`
	DocumentTypeID string `json:"document_type_id"`
	Required       bool   `json:"obligatoire"`
	Label          string `json:"label,omitempty"`
}

type Document struct {
	ID                   string  `json:"id"`
	DossierID            string  `json:"dossier_id"`
	StepID               *string `json:"step_id,omitempty"`
	PieceJustificationID *string `json:"piece_justification_id,omitempty"`
	DocumentTypeID       *string `json:"document_type_id,omitempty"`
	Filename             string  `json:"filename"`
	Validated            *bool   `json:"validated,omitempty"`
	Simulated            *bool   `json:"simulated,omitempty"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

type PieceJustification struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	DocumentTypeID string `json:"document_type_id"`
}

// PieceMapping records an explicit document to (piece, step) association made at upload time.
type PieceMapping struct {
	DocumentKey string `json:"document_key"`
	PieceID     string `json:"piece_id"`
	StepID      string `json:"step_id"`
	CreatedAt   string `json:"created_at,omitempty" format:"date-time"`
}

type CaseStatus string

const (
	CaseNotStarted CaseStatus = "not_started"
	CaseInProgress CaseStatus = "in_progress"
	CaseComplete   CaseStatus = "complete"
)

type Dossier struct {
	ID           string     `json:"id"`
	RequestType  string     `json:"request_type"`
	Status       CaseStatus `json:"status" enum:"not_started,in_progress,complete"`
	CandidateRef string     `json:"candidate_ref,omitempty"`
	CreatedAt    string     `json:"created_at" format:"date-time"`
	UpdatedAt    string     `json:"updated_at" format:"date-time"`
}

type StepStatusRecord struct {
	ID          string `json:"id"`
	DossierID   string `json:"dossier_id"`
	StepID      string `json:"step_id"`
	Code        string `json:"code"`
	Label       string `json:"label"`
	Cancellable bool   `json:"cancellable"`
	Final       bool   `json:"final"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// StatusUpdate is the payload pushed to an external step-status record.
type StatusUpdate struct {
	Code        string `json:"code"`
	Label       string `json:"label"`
	Cancellable bool   `json:"cancellable"`
	Final       bool   `json:"final"`
}

// StatusCode is the enumerated interpretation of a free-text status label.
type StatusCode string

const (
	StatusUnknown    StatusCode = "unknown"
	StatusPending    StatusCode = "pending"
	StatusInProgress StatusCode = "in_progress"
	StatusCompleted  StatusCode = "completed"
)

type StepState string

const (
	StatePending    StepState = "pending"
	StateInProgress StepState = "in_progress"
	StateCompleted  StepState = "completed"
)

type ExamSession struct {
	ID        string `json:"id"`
	DossierID string `json:"dossier_id"`
	ExamDate  string `json:"exam_date" format:"date"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ExamCategory string

const (
	ExamSlot     ExamCategory = "creneau"
	ExamCode     ExamCategory = "code"
	ExamCityTour ExamCategory = "conduite"
)

// ExamCategories lists the categories that must all pass.
var ExamCategories = []ExamCategory{ExamSlot, ExamCode, ExamCityTour}

type ExamOutcome string

const (
	OutcomePassed    ExamOutcome = "reussi"
	OutcomeFailed    ExamOutcome = "echoue"
	OutcomeAbsent    ExamOutcome = "absent"
	OutcomeNotLogged ExamOutcome = "non_saisi"
)

type ExamResult struct {
	DossierID  string       `json:"dossier_id"`
	Category   ExamCategory `json:"category" enum:"creneau,code,conduite"`
	Outcome    ExamOutcome  `json:"outcome" enum:"reussi,echoue,absent,non_saisi"`
	RecordedAt string       `json:"recorded_at" format:"date-time"`
}

type PieceView struct {
	Piece     Piece    `json:"piece"`
	Rule      string   `json:"rule,omitempty"`
	Documents []string `json:"documents"`
	Validated bool     `json:"validated"`
}

type StepView struct {
	Step   Step        `json:"step"`
	State  StepState   `json:"state" enum:"pending,in_progress,completed"`
	Reason string      `json:"reason"`
	Pieces []PieceView `json:"pieces"`
}

// Progress is the evaluated view of one dossier against its circuit.
type Progress struct {
	DossierID     string     `json:"dossier_id"`
	CircuitID     string     `json:"circuit_id,omitempty"`
	Steps         []StepView `json:"steps"`
	Completed     []string   `json:"completed"`
	CurrentStepID string     `json:"current_step_id,omitempty"`
	Percent       int        `json:"percent"`
	AllCompleted  bool       `json:"all_completed"`
	Status        CaseStatus `json:"status"`
	// CacheDegraded is set once the completion store failed and completion
	// is only kept in memory.
	CacheDegraded bool       `json:"cache_degraded,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	DossierID  string `json:"dossier_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	KeyHash   string   `json:"key_hash"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
