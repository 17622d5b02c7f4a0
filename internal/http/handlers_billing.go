package httpx

import (
	"net/http"

	"github.com/arkdeploy/ark/internal/service/plan"
)

func (r *Router) handleListPlans(w http.ResponseWriter, req *http.Request) {
	plans, err := r.plans.List(req.Context(), actorFrom(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (r *Router) handleGetPlan(w http.ResponseWriter, req *http.Request) {
	p, err := r.plans.Get(req.Context(), req.PathValue("ref"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) handleQuote(w http.ResponseWriter, req *http.Request) {
	quote, err := r.plans.Quote(req.Context(), req.PathValue("ref"), queryInt(req, "servers", 1))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (r *Router) handleUpsertPlan(w http.ResponseWriter, req *http.Request) {
	var payload plan.PlanInput
	if !decode(w, req, &payload) {
		return
	}
	p, err := r.plans.Upsert(req.Context(), actorFrom(req), payload)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) handleDeactivatePlan(w http.ResponseWriter, req *http.Request) {
	if err := r.plans.Deactivate(req.Context(), actorFrom(req), req.PathValue("ref")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleCurrentSubscription(w http.ResponseWriter, req *http.Request) {
	sub, err := r.plans.Current(req.Context(), actorFrom(req))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (r *Router) handleSubscribe(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Plan    string `json:"plan"`
		Servers int    `json:"servers"`
	}
	if !decode(w, req, &payload) {
		return
	}
	sub, err := r.plans.Subscribe(req.Context(), actorFrom(req), payload.Plan, payload.Servers)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (r *Router) handleCancelSubscription(w http.ResponseWriter, req *http.Request) {
	if err := r.plans.Cancel(req.Context(), actorFrom(req)); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
