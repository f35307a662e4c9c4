package logbus

// Toast is a transient user-facing notification.
type Toast struct {
	Level   string `json:"level"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Navigate asks the UI to switch route, e.g. to the login screen.
type Navigate struct {
	Route  string `json:"route"`
	Reason string `json:"reason"`
}
