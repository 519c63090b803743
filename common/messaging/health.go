package messaging

// Connection is implemented by broker clients that can report liveness.
type Connection interface {
	IsConnected() bool
}

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// CheckHealth reports the state of conn. A nil connection means messaging is disabled.
func CheckHealth(conn Connection) HealthStatus {
	if conn == nil {
		return HealthStatus{}
	}

	status := HealthStatus{Enabled: true, Connected: conn.IsConnected()}
	if !status.Connected {
		status.Error = "not connected to message broker"
	}
	return status
}
