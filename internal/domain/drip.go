package domain

import "time"

// Drip sequence names.
const (
	SequenceOnboarding   = "onboarding"
	SequenceReengagement = "reengagement"
	SequenceUpgrade      = "upgrade"
)

// DripStep sends Template at Offset after enrollment.
type DripStep struct {
	Template string
	Offset   time.Duration
}

// DripSequence is an ordered list of lifecycle emails.
type DripSequence struct {
	Name  string
	Steps []DripStep
}

const day = 24 * time.Hour

// DripSequences holds every known sequence by name.
var DripSequences = map[string]DripSequence{
	SequenceOnboarding: {
		Name: SequenceOnboarding,
		Steps: []DripStep{
			{Template: "onboarding_welcome", Offset: 0},
			{Template: "onboarding_day_1", Offset: day},
			{Template: "onboarding_day_3", Offset: 3 * day},
			{Template: "onboarding_day_7", Offset: 7 * day},
		},
	},
	SequenceReengagement: {
		Name: SequenceReengagement,
		Steps: []DripStep{
			{Template: "reengagement_we_miss_you", Offset: 0},
			{Template: "reengagement_tips", Offset: 4 * day},
		},
	},
	SequenceUpgrade: {
		Name: SequenceUpgrade,
		Steps: []DripStep{
			{Template: "upgrade_nearing_limit", Offset: 0},
			{Template: "upgrade_benefits", Offset: 3 * day},
		},
	},
}

// DripEnrollment is a user's position within a sequence.
type DripEnrollment struct {
	ID          string
	UserID      string
	Sequence    string
	Step        int
	NextSendAt  time.Time
	EnrolledAt  time.Time
	CompletedAt *time.Time
}

// NewDripEnrollment starts seq for userID at now.
func NewDripEnrollment(userID string, seq DripSequence, now time.Time) *DripEnrollment {
	e := &DripEnrollment{
		UserID:     userID,
		Sequence:   seq.Name,
		EnrolledAt: now,
	}
	if len(seq.Steps) > 0 {
		e.NextSendAt = now.Add(seq.Steps[0].Offset)
	}
	return e
}

// Advance moves past the current step. It returns false when the sequence
// is finished, in which case CompletedAt is set.
func (e *DripEnrollment) Advance(seq DripSequence, now time.Time) bool {
	e.Step++
	if e.Step >= len(seq.Steps) {
		e.CompletedAt = &now
		return false
	}
	e.NextSendAt = e.EnrolledAt.Add(seq.Steps[e.Step].Offset)
	return true
}
