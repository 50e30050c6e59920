package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Student is the unit of authentication and of cross-store synchronization.
// ID is the row identity used in URLs; StudentID is the human-readable
// business key and the only join key the sync engine matches records by.
type Student struct {
	ID           string    `json:"id"`
	StudentID    string    `json:"studentId"`
	Name         string    `json:"name"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Age          int       `json:"age,omitempty"`
	Courses      []string  `json:"courses"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RootAdminUsername identifies the protected administrator account.
const RootAdminUsername = "admin"

// StudentIDPrefix returns the ID prefix for a signup year, e.g. "STU-2025-".
func StudentIDPrefix(year int) string {
	return fmt.Sprintf("STU-%d-", year)
}

// FormatStudentID builds "STU-<year>-<seq>" with the sequence zero-padded to
// at least four digits.
func FormatStudentID(year, seq int) string {
	return fmt.Sprintf("STU-%d-%04d", year, seq)
}

// StudentIDSeq extracts the numeric sequence from a student ID. The second
// return is false for IDs that do not follow the STU-<year>-<seq> shape.
func StudentIDSeq(studentID string) (int, bool) {
	parts := strings.Split(studentID, "-")
	if len(parts) != 3 || parts[0] != "STU" {
		return 0, false
	}
	seq, err := strconv.Atoi(parts[2])
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

// NextUpdatedAt advances a record's mutation timestamp, keeping it strictly
// increasing even when the clock has not moved since the previous write.
func NextUpdatedAt(previous time.Time) time.Time {
	now := time.Now().UTC()
	if now.After(previous) {
		return now
	}
	return previous.Add(time.Millisecond)
}
