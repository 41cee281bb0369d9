// Package roles embeds the static system prompt for each of the engine's
// four fixed pipeline roles.
package roles

import _ "embed"

//go:embed architect.md
var architect string

//go:embed executor.md
var executor string

//go:embed auditor.md
var auditor string

//go:embed consultant.md
var consultant string

// Architect returns the Architect role's system prompt.
func Architect() string { return architect }

// Executor returns the Executor role's system prompt.
func Executor() string { return executor }

// Auditor returns the Auditor role's system prompt.
func Auditor() string { return auditor }

// Consultant returns the Consultant role's system prompt.
func Consultant() string { return consultant }
