package email

import (
	"strings"

	"odds/internal/types"
)

// ResultsSubject is the subject of the mail sent when a job finishes.
const ResultsSubject = "ODDS Results"

// DownscaledFile is one downscaling output, or the error that prevented it.
type DownscaledFile struct {
	Variable types.Variable
	URL      string
	Err      string
}

func (f DownscaledFile) line() string {
	if f.Err != "" {
		return string(f.Variable) + ": ❌ Error " + f.Err
	}
	return string(f.Variable) + ": " + f.URL
}

// IndexOutcome is the result of one index job. Exactly one of URL, NoInput
// and Err describes it.
type IndexOutcome struct {
	Name    string
	URL     string
	NoInput bool
	Err     string
}

func (o IndexOutcome) line() string {
	switch {
	case o.NoInput:
		return o.Name + ": ❌ No input file"
	case o.Err != "":
		return o.Name + ": ❌ Error " + o.Err
	}
	return o.Name + ": " + o.URL
}

// ResultsSummary is what a finished job reports back to its user.
type ResultsSummary struct {
	Intent     types.OutputIntent
	Downscaled []DownscaledFile
	Indices    []IndexOutcome
}

// Body renders the plain-text results mail. Downscaled files are listed when
// the intent delivers them, index outcomes when the intent computes indices.
func (s ResultsSummary) Body() string {
	var lines []string
	if s.Intent.WantsDownscaling() {
		lines = append(lines, "Downscaling outputs:")
		for _, f := range s.Downscaled {
			lines = append(lines, "- "+f.line())
		}
	}
	if s.Intent.WantsIndices() {
		lines = append(lines, "\nCalculated Indices:")
		for _, o := range s.Indices {
			lines = append(lines, "- "+o.line())
		}
	}
	return strings.Join(lines, "\n")
}

// ResultsMessage addresses the summary to the job's user.
func ResultsMessage(from string, req types.JobRequest, s ResultsSummary) types.EmailMessage {
	return types.EmailMessage{
		To:          req.UserEmail,
		From:        from,
		Subject:     ResultsSubject,
		Body:        s.Body(),
		ReferenceID: req.ID,
	}
}
