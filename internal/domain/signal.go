package domain

// SDPPayload is one side of the offer/answer exchange.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a parsed connectivity candidate. Raw keeps the original
// attribute so the media stack can parse it on its own terms.
type Candidate struct {
	Raw        string
	Foundation string
	Component  int
	Protocol   string
	Priority   uint32
	Address    string
	Port       int
	Type       string
	Label      int
}

// Issuer names the backend protocol that produced a session token.
type Issuer string

const (
	IssuerREST    Issuer = "rest"
	IssuerGraphQL Issuer = "graphql"
)

// SessionToken is the account level bearer credential.
type SessionToken struct {
	Value     string
	IssuedVia Issuer
}
