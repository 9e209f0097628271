package records

import "net/http"

// Header names expected by the backend.
const (
	HeaderApplicationID = "X-Knack-Application-Id"
	HeaderAPIKey        = "X-Knack-REST-API-Key"
)

// Credentials identify the application and, optionally, the signed-in user.
type Credentials struct {
	ApplicationID string
	APIKey        string
	// Token is a user session token sent as a bearer credential.
	Token string
}

// HeaderBuilder assembles request headers for backend calls.
type HeaderBuilder struct {
	Credentials Credentials
	UserAgent   string
}

// Build returns headers for a request; withBody adds the JSON content type.
func (b HeaderBuilder) Build(withBody bool) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if b.Credentials.ApplicationID != "" {
		h.Set(HeaderApplicationID, b.Credentials.ApplicationID)
	}
	if b.Credentials.APIKey != "" {
		h.Set(HeaderAPIKey, b.Credentials.APIKey)
	}
	if b.Credentials.Token != "" {
		h.Set("Authorization", "Bearer "+b.Credentials.Token)
	}
	if b.UserAgent != "" {
		h.Set("User-Agent", b.UserAgent)
	}
	if withBody {
		h.Set("Content-Type", "application/json")
	}
	return h
}
