// Package tools provides the built-in tools offered to the model.
package tools

import (
	"net/http"

	"github.com/user/taskpilot/internal/runtime"
	"github.com/user/taskpilot/internal/types"
)

// Name identifies a built-in tool.
type Name string

const (
	AddJob        Name = "addJob"
	ListJobs      Name = "listJobs"
	UpdateJob     Name = "updateJob"
	RememberFact  Name = "rememberFact"
	SetPreference Name = "setPreference"
	ReadURLName   Name = "readUrl"
	SearchResume  Name = "searchResume"
)

// Deps are the collaborators the built-in tools need.
type Deps struct {
	Jobs       *JobStore
	Memory     types.MemoryStore
	HTTPClient *http.Client
	Resume     *ResumeIndex
}

// Builtins returns every built-in tool. Task profiles pick from this set.
func Builtins(d Deps) []runtime.Tool {
	return []runtime.Tool{
		NewAddJob(d.Jobs),
		NewListJobs(d.Jobs),
		NewUpdateJob(d.Jobs),
		NewRememberFact(d.Memory),
		NewSetPreference(d.Memory),
		NewReadURL(d.HTTPClient),
		NewSearchResume(d.Resume),
	}
}
