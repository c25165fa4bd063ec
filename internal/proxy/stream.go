package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"routstr-proxy/internal/cost"
	"routstr-proxy/internal/payment"
	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

// tailFrames is how many trailing SSE data payloads are retained for the
// usage scan. Providers emit the usage object in the last frame before
// [DONE], so a short tail is plenty.
const tailFrames = 32

// streamResponse tees the upstream SSE stream to the client while buffering
// the tail, then settles the reservation once the stream ends: at the actual
// cost when a usage frame was seen, at the full reservation otherwise. The
// synthetic cost frame goes out after the upstream's [DONE].
func (e *Engine) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, pending *payment.Pending) {
	copyResponseHeaders(w.Header(), resp.Header, true)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	var tail [][]byte
	clientGone := false

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if !clientGone {
				if _, werr := w.Write(line); werr != nil {
					// Client went away; keep draining upstream so the usage
					// frame can still settle the charge accurately.
					clientGone = true
				} else if flusher != nil && isFrameBoundary(line) {
					flusher.Flush()
				}
			}
			if payload, ok := dataPayload(line); ok {
				tail = append(tail, payload)
				if len(tail) > tailFrames {
					tail = tail[1:]
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("Upstream stream ended abnormally",
					zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(err))
			}
			break
		}
	}

	// Settlement runs on a context that survives client disconnects.
	finCtx := context.WithoutCancel(r.Context())
	result, found := e.scanTailForCost(tail, pending.Reserved())
	if !found || result.AtMax {
		e.finalizeAtMax(finCtx, pending)
		return
	}

	if err := pending.Finalize(finCtx, result.Cost.TotalMsats); err != nil && !errors.Is(err, payment.ErrAlreadySettled) {
		logger.Error("Streaming finalize failed",
			zap.String("request_id", RequestIDFrom(r.Context())), zap.Error(err))
	}
	if !clientGone {
		writeCostFrame(w, flusher, result.Cost)
	}
}

// scanTailForCost walks the buffered frames from newest to oldest looking
// for the first one carrying a usage object and prices it.
func (e *Engine) scanTailForCost(tail [][]byte, reserved int64) (cost.Result, bool) {
	for i := len(tail) - 1; i >= 0; i-- {
		payload := tail[i]
		if bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		usage, ok := frame["usage"].(map[string]any)
		if !ok || usage == nil {
			continue
		}
		result, err := e.calc.Calculate(frame, reserved)
		if err != nil {
			logger.Warn("Usage frame found but cost calculation failed, charging reservation", zap.Error(err))
			return cost.Result{}, false
		}
		return result, true
	}
	return cost.Result{}, false
}

// writeCostFrame appends the synthetic cost frame after [DONE].
func writeCostFrame(w http.ResponseWriter, flusher http.Flusher, data cost.CostData) {
	payload, err := json.Marshal(map[string]cost.CostData{"cost": data})
	if err != nil {
		return
	}
	if _, err := w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
		return
	}
	if flusher != nil {
		flusher.Flush()
	}
}

// dataPayload extracts the payload of an SSE "data:" line.
func dataPayload(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return nil, false
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true
}

// isFrameBoundary reports whether the line terminates an SSE frame.
func isFrameBoundary(line []byte) bool {
	t := bytes.TrimRight(line, "\r\n")
	return len(t) == 0
}
