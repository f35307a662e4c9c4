package transport

import "autoall/internal/logbus"

// Feedback is how the client reaches the user: transient notifications and
// the redirect to the login screen.
type Feedback interface {
	Toast(kind ErrorKind, message string)
	RedirectToLogin(reason string)
}

const LoginRoute = "/login"

// BusFeedback publishes feedback on the log bus, where the console or a
// websocket client picks it up.
type BusFeedback struct {
	Bus *logbus.Bus
}

func (f BusFeedback) Toast(kind ErrorKind, message string) {
	f.Bus.Publish(logbus.TypeToast, logbus.Toast{Level: "error", Kind: string(kind), Message: message})
}

func (f BusFeedback) RedirectToLogin(reason string) {
	f.Bus.Publish(logbus.TypeNavigate, logbus.Navigate{Route: LoginRoute, Reason: reason})
}

type noFeedback struct{}

func (noFeedback) Toast(ErrorKind, string) {}
func (noFeedback) RedirectToLogin(string) {}
