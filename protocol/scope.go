package protocol

// Scope identifies a realtime subscription topic: one roof plan, one pin,
// one chat thread.
//
// It is intentionally opaque and transport-agnostic (no addressing, no URLs);
// transports map it to whatever topic naming their backing service uses.
type Scope string

func (s Scope) IsZero() bool {
	return s == ""
}

func (s Scope) String() string {
	return string(s)
}

// Common scope constructors. Scopes are plain strings, so these are just
// naming conventions shared between the registry and the transports.

func RoofScope(roofID string) Scope {
	return Scope("roof:" + roofID)
}

func PinScope(pinID string) Scope {
	return Scope("pin:" + pinID)
}

func ChatScope(threadID string) Scope {
	return Scope("chat:" + threadID)
}
