package domain

// TCPConnection describes the transport connection of an inbound request.
type TCPConnection struct {
	Token           string  `json:"token"`
	SourceIP        *string `json:"source_ip,omitempty"`
	SourcePort      *uint32 `json:"source_port,omitempty"`
	DestinationIP   *string `json:"destination_ip,omitempty"`
	DestinationPort *uint32 `json:"destination_port,omitempty"`
	Protocol        string  `json:"protocol"`
}

// TCPInfo is the connection metadata echoed and enriched by the decision service.
// Fields other than Connection are opaque to the agent.
type TCPInfo struct {
	Connection *TCPConnection    `json:"connection,omitempty"`
	IPInfo     map[string]string `json:"ip_info,omitempty"`
	TCPID      uint64            `json:"tcp_id,omitempty"`
}

// TCPResponse is returned by the TCP connection check.
type TCPResponse struct {
	TCPInfo *TCPInfo `json:"tcp_info,omitempty"`
	// Fallback is set when the response was synthesized after a timeout.
	Fallback bool `json:"-"`
}

// HTTPRequest describes an inbound request submitted for a decision.
type HTTPRequest struct {
	Token       string            `json:"token"`
	OriginalURL string            `json:"original_url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Query       map[string]string `json:"query,omitempty"`
	Body        *string           `json:"body,omitempty"`
	TCPInfo     *TCPInfo          `json:"tcp_info,omitempty"`
}

// HTTPResponse describes the protected handler's response submitted for a decision.
type HTTPResponse struct {
	Token   string            `json:"token"`
	Code    uint32            `json:"code"`
	Headers map[string]string `json:"headers,omitempty"`
	TCPInfo *TCPInfo          `json:"tcp_info,omitempty"`
}

// DecisionResponse carries the policy outcome of a request or response check.
type DecisionResponse struct {
	Policy Policy `json:"policy"`
	// Fallback is set when the default policy was substituted after a timeout.
	Fallback bool `json:"-"`
}
