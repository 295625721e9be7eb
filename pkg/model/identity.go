package model

// Identity is a verified caller. It lives for a single request and is passed
// explicitly down the call chain.
type Identity struct {
	UID    string
	Email  string
	Claims map[string]any
}
