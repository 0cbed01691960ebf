package envelope

// Heartbeat is the liveness record every subscriber publishes on the
// well-known heartbeat topic. It is regenerated fresh each tick and never
// persisted; the uptime marker and processed count let monitors spot both
// dead and wedged consumers.
type Heartbeat struct {
	Zooid     string  `json:"zooid"`
	Niche     string  `json:"niche"`
	UptimeS   float64 `json:"uptime_s"`
	Processed uint64  `json:"processed"`
}

// Facts renders the heartbeat as an envelope payload.
func (h Heartbeat) Facts() Facts {
	return Facts{
		"zooid":     h.Zooid,
		"niche":     h.Niche,
		"uptime_s":  h.UptimeS,
		"processed": h.Processed,
	}
}

// HeartbeatFromFacts reconstructs a heartbeat from a decoded envelope
// payload. Fields that are missing or of the wrong type are left zero;
// heartbeat consumers tolerate partial records.
func HeartbeatFromFacts(f Facts) Heartbeat {
	var h Heartbeat
	if v, ok := f["zooid"].(string); ok {
		h.Zooid = v
	}
	if v, ok := f["niche"].(string); ok {
		h.Niche = v
	}
	if v, ok := f["uptime_s"].(float64); ok {
		h.UptimeS = v
	}
	// JSON numbers decode as float64.
	if v, ok := f["processed"].(float64); ok && v >= 0 {
		h.Processed = uint64(v)
	}
	return h
}
