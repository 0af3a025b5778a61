// Package prompts holds the instructions sent to the planning model.
//
// Prompt text is Go code rather than configuration: templates are
// interpolated with fmt.Sprintf and covered by tests. Each prompt gets an
// exported function that accepts the dynamic parts and returns the final
// string.
package prompts
