package routes

import (
	"net/http"

	"convertd/models"
	"convertd/router"
)

type capabilityView struct {
	router.Capability
	Available bool `json:"available"`
}

type formatsResponse struct {
	Capabilities []capabilityView `json:"capabilities"`
	Options      []string         `json:"options"`
}

func (h *handler) formats(w http.ResponseWriter, r *http.Request) {
	caps := router.Capabilities()
	views := make([]capabilityView, len(caps))
	for i, c := range caps {
		available := true
		if h.opts.Adapters != nil {
			_, available = h.opts.Adapters.Lookup(c.Converter)
		}
		views[i] = capabilityView{Capability: c, Available: available}
	}
	writeJSON(w, http.StatusOK, formatsResponse{Capabilities: views, Options: models.OptionKeys()})
}
