package domain

// OutboundRequest is one text message waiting to be sent. Destination is
// kept as submitted and parsed when the request is processed.
type OutboundRequest struct {
	Destination string
	Body        string
}
