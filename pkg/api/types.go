package api

import (
	"time"

	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/storage"
)

// Response types. None of them carry price, amount or owner; commitments are
// shortened to their first prefixLen characters.

const prefixLen = 10

func shorten(c string) string {
	if len(c) <= prefixLen {
		return c
	}
	return c[:prefixLen]
}

type BatchStatus struct {
	BatchID         uint64          `json:"batchId"`
	Status          string          `json:"status"`
	OrderCount      int             `json:"orderCount"`
	WindowStart     int64           `json:"windowStart,omitempty"` // unix ms
	TimeRemainingMs int64           `json:"timeRemainingMs"`
	LastResolution  *ResolutionInfo `json:"lastResolution,omitempty"`
}

func newBatchStatus(st batch.State) BatchStatus {
	out := BatchStatus{
		BatchID:         st.BatchID,
		Status:          st.Status.String(),
		OrderCount:      st.OrderCount,
		TimeRemainingMs: st.TimeRemainingMs,
		LastResolution:  newResolutionInfo(st.LastResolution),
	}
	if !st.WindowStart.IsZero() {
		out.WindowStart = st.WindowStart.UnixMilli()
	}
	return out
}

type ResolutionInfo struct {
	BatchID           uint64 `json:"batchId"`
	InternalMatches   int    `json:"internalMatches"`
	ExternallySettled int    `json:"externallySettled"`
	FailedResiduals   int    `json:"failedResiduals"`
	CarriedOver       int    `json:"carriedOver"`
	TotalOrders       int    `json:"totalOrders"`
	ReferencePrice    string `json:"referencePrice,omitempty"`
	Timestamp         int64  `json:"timestamp"`
	DurationMs        int64  `json:"durationMs"`
}

func newResolutionInfo(r *batch.Resolution) *ResolutionInfo {
	if r == nil {
		return nil
	}
	return &ResolutionInfo{
		BatchID:           r.BatchID,
		InternalMatches:   r.InternalMatches,
		ExternallySettled: r.ExternallySettled,
		FailedResiduals:   r.FailedResiduals,
		CarriedOver:       r.CarriedOver,
		TotalOrders:       r.TotalOrders,
		ReferencePrice:    r.ReferencePrice,
		Timestamp:         r.Timestamp.UnixMilli(),
		DurationMs:        r.Duration.Milliseconds(),
	}
}

// MatchInfo is one entry of the public match feed.
type MatchInfo struct {
	Buyer     string `json:"buyer,omitempty"` // empty for liquidations
	Seller    string `json:"seller"`
	Kind      string `json:"kind"`
	Settled   bool   `json:"settled"`
	Digest    string `json:"digest,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func newMatchInfo(m matcher.Match) MatchInfo {
	return MatchInfo{
		Buyer:     shorten(m.BuyCommitment()),
		Seller:    shorten(m.SellCommitment()),
		Kind:      m.Kind.String(),
		Settled:   m.Settled(),
		Digest:    m.Digest(),
		Timestamp: m.CreatedAt.UnixMilli(),
	}
}

func matchInfoFromRecord(r storage.MatchRecord) MatchInfo {
	return MatchInfo{
		Buyer:     shorten(r.Buyer),
		Seller:    shorten(r.Seller),
		Kind:      r.Kind,
		Settled:   r.Digest != "",
		Digest:    r.Digest,
		Timestamp: r.CreatedAt.UnixMilli(),
	}
}

type OrderCount struct {
	Bids    int `json:"bids"`
	Asks    int `json:"asks"`
	Pending int `json:"pending"`
	Total   int `json:"total"`
}

type SubmitResponse struct {
	Status     string `json:"status"`
	Commitment string `json:"commitment"`
}

type SealingKeyInfo struct {
	PublicKey string `json:"publicKey"`
	VenueID   string `json:"venueId"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WebSocket

const (
	ChannelBatch        = "batch"
	ChannelMatches      = "matches"
	ChannelAttestations = "attestations"
)

type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage frames every push.
type WSMessage struct {
	Channel   string `json:"channel"`
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func newWSMessage(channel, typ string, data any) WSMessage {
	return WSMessage{Channel: channel, Type: typ, Data: data, Timestamp: time.Now().UnixMilli()}
}
