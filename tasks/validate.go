package tasks

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// normalize returns in with text fields NFC-normalized and trimmed, and the
// default status applied, or a validation error.
func normalize(in Input) (Input, error) {
	if !utf8.ValidString(in.Title) || !utf8.ValidString(in.Notes) {
		return Input{}, validationErrorf("task contains invalid UTF-8")
	}
	in.Title = strings.TrimSpace(norm.NFC.String(in.Title))
	in.Notes = strings.TrimSpace(norm.NFC.String(in.Notes))

	if in.Title == "" {
		return Input{}, validationErrorf("title must not be empty")
	}
	if n := utf8.RuneCountInString(in.Title); n > MaxTitleLength {
		return Input{}, validationErrorf("title exceeds maximum length of %d", MaxTitleLength)
	}
	for _, r := range in.Title {
		if unicode.IsControl(r) {
			return Input{}, validationErrorf("title contains control character")
		}
	}
	if n := utf8.RuneCountInString(in.Notes); n > MaxNotesLength {
		return Input{}, validationErrorf("notes exceed maximum length of %d", MaxNotesLength)
	}

	if in.Status == "" {
		in.Status = StatusTodo
	}
	if !in.Status.valid() {
		return Input{}, validationErrorf("unknown status %q", in.Status)
	}
	if in.DueAt != nil {
		due := in.DueAt.UTC()
		in.DueAt = &due
	}
	return in, nil
}
