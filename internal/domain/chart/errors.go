package chart

import "errors"

var (
	// ErrInvalidTooth is returned when a tooth id is outside the chart dentition
	ErrInvalidTooth = errors.New("tooth outside chart dentition")
	// ErrNoTeeth is returned when a batch mutation has no target teeth
	ErrNoTeeth = errors.New("no target teeth")
	// ErrInvalidTreatment wraps treatment validation failures
	ErrInvalidTreatment = errors.New("invalid treatment")
	// ErrInvalidNote wraps note validation failures
	ErrInvalidNote = errors.New("invalid note")
	// ErrTreatmentNotFound is returned by update and delete for unknown ids
	ErrTreatmentNotFound = errors.New("treatment not found")
	// ErrInvalidDocument is returned when a persisted chart fails validation
	ErrInvalidDocument = errors.New("invalid chart document")
)

// IsValidation reports whether err is a caller input error
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTooth) ||
		errors.Is(err, ErrNoTeeth) ||
		errors.Is(err, ErrInvalidTreatment) ||
		errors.Is(err, ErrInvalidNote) ||
		errors.Is(err, ErrInvalidValue)
}
