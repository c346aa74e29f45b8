package api

// CreateNodeRequest is the body of POST /nodes/{kind}.
type CreateNodeRequest struct {
	Name string `json:"name"`
}

// BridgeResponse is returned by POST /taps/{a}/bridge/{b}.
type BridgeResponse struct {
	Bridge string `json:"bridge"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// VersionResponse is returned by GET /version.
type VersionResponse struct {
	Build  string `json:"build"`
	Commit string `json:"commit,omitempty"`
	Go     string `json:"go"`
}
