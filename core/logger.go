package core

// Logger is any leveled logger able to report errors to an external tracker.
// Implementations may inspect args for well-known types (eg. an error to
// attach a stack trace, or a user to attribute the event to).
type Logger interface {
	Enable(enabled bool)
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
