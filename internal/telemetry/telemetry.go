package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Endpoint receives anonymous run reports when the user has opted in.
const Endpoint = "https://telemetry.latticelabs.dev/submit"

// Payload is the anonymous data submitted after a finished run.
// NEVER include puzzle geometry, piece shapes, or any identifying
// information, only aggregate shape and cost numbers.
type Payload struct {
	NumCells        int     `json:"num_cells"`
	NumPieces       int     `json:"num_pieces"`
	DurationSeconds float64 `json:"duration_seconds"`
	Nodes           uint64  `json:"nodes"`
	Solutions       int     `json:"solutions"`
	Reason          string  `json:"reason"`
	Backend         string  `json:"backend"` // "gpu" or "cpu"
}

// Submit sends the payload in a background goroutine. Errors are silently
// discarded; telemetry must never affect the solve.
func Submit(p Payload) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		body, err := json.Marshal(p)
		if err != nil {
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, Endpoint, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		resp.Body.Close()
	}()
}
