package httpserver

import (
	"github.com/rzbill/ciqueue/internal/coordinator"
	"github.com/rzbill/ciqueue/internal/history"
	"github.com/rzbill/ciqueue/internal/item"
)

// StateView is the body of GET /v1/state.
type StateView struct {
	WorkerID  string `json:"worker_id"`
	Phase     string `json:"phase"`
	Active    int    `json:"active"`
	Accepting bool   `json:"accepting"`
}

func stateView(workerID string, s coordinator.State) StateView {
	return StateView{WorkerID: workerID, Phase: s.Phase.String(), Active: s.Active, Accepting: s.Accepting()}
}

// ItemView is one queue entry as served by GET /v1/items.
type ItemView struct {
	Key            string        `json:"key"`
	Revision       item.Revision `json:"revision"`
	LeaseHolder    string        `json:"lease_holder,omitempty"`
	LeaseTimestamp int64         `json:"lease_timestamp,omitempty"`
	OrderingKey    int64         `json:"ordering_key"`
}

func itemView(it item.Item) ItemView {
	return ItemView{
		Key:            it.StoreKey,
		Revision:       it.Revision,
		LeaseHolder:    it.LeaseHolder,
		LeaseTimestamp: it.LeaseTimestamp,
		OrderingKey:    it.OrderingKey,
	}
}

// ItemsView is the body of GET /v1/items.
type ItemsView struct {
	Items  []ItemView `json:"items"`
	Active []string   `json:"active"`
}

// HistoryView is the body of GET /v1/history, newest first.
type HistoryView struct {
	Entries []history.Entry `json:"entries"`
}

// SubmitResponse is the body of a successful POST /v1/items.
type SubmitResponse struct {
	Key string `json:"key"`
}

// RemoveResponse is the body of a successful DELETE /v1/items.
type RemoveResponse struct {
	Removed int `json:"removed"`
}

// ErrorResponse is returned with every 4xx/5xx.
type ErrorResponse struct {
	Error string `json:"error"`
}
