package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	modelsPath  = "/v1/models"
	routeModels = "models"

	// Used for synthetic entries when the backend list gives no timestamp.
	syntheticCreated int64 = 1677649963

	ownerRouting = "routing"
	ownerRewrite = "rewrite"
)

var errInvalidModelList = errors.New("backend model list is not an object with a data array")

type syntheticModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels returns the backend model list extended with every virtual
// and rewrite model name the proxy knows about.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ModelsTimeout)
	defer cancel()
	req, err := s.newBackendRequest(ctx, r, http.MethodGet, modelsPath, http.NoBody)
	if err != nil {
		s.upstreamFailed(w, routeModels, err)
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.upstreamFailed(w, routeModels, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn("backend model list failed", "status", resp.StatusCode)
		s.finishRelay(w, routeModels, relay(w, resp, relayBuffered))
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.finishRelay(w, routeModels, &relayError{err: err})
		return
	}
	merged, err := mergeModelList(body, s.cfg.RoutingModels(), s.cfg.RewriteModels())
	if err != nil {
		s.metrics.upstreamErrors.WithLabelValues(routeModels).Inc()
		log.Error("cannot merge backend model list", "err", err)
		writeError(w, http.StatusBadGateway, errTypeProxy, "Invalid model list from backend")
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(merged)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(merged)
}

// mergeModelList appends routing models, then rewrite models, to the data
// array of body. Ids already listed are skipped and everything else in body
// is kept byte for byte.
func mergeModelList(body []byte, routingModels, rewriteModels []string) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, errInvalidModelList
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, errInvalidModelList
	}

	entries := data.Array()
	seen := make(map[string]struct{}, len(entries)+len(routingModels)+len(rewriteModels))
	for _, e := range entries {
		if id := e.Get("id"); id.Type == gjson.String {
			seen[id.Str] = struct{}{}
		}
	}
	created := syntheticCreated
	if len(entries) > 0 {
		if c := entries[0].Get("created"); c.Type == gjson.Number && c.Int() != 0 {
			created = c.Int()
		}
	}

	out := body
	add := func(ids []string, owner string) error {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			var err error
			out, err = sjson.SetBytes(out, "data.-1", syntheticModel{
				ID:      id,
				Object:  "model",
				Created: created,
				OwnedBy: owner,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
	if err := add(routingModels, ownerRouting); err != nil {
		return nil, err
	}
	if err := add(rewriteModels, ownerRewrite); err != nil {
		return nil, err
	}
	return out, nil
}
