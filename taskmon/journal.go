package taskmon

// Journaler describes an event logger.
type Journaler interface {
	Write(Event) error
}

// JournalerFunc is a function that implements Journaler.
type JournalerFunc func(Event) error

// Write calls the function.
func (fn JournalerFunc) Write(ev Event) error { return fn(ev) }

// Discard is a Journaler that drops every event.
var Discard Journaler = JournalerFunc(func(Event) error { return nil })

// warn writes a warning event, ignoring journal errors.
func warn(j Journaler, component, task string, err error) {
	j.Write(EventWarning{
		Component: component,
		Task:      task,
		Error:     err.Error(),
	})
}
