// Package handlers provides the HTTP surface for the Veritwin retrieval
// core: the ask endpoint, the owner review surface for escalations and
// verified answers, and the live escalation feed.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/veritwin/veritwin/pkg/types"
)

// TenantHeader carries the authenticated tenant identity, set by the
// upstream auth gateway after token validation. Identity is never read
// from request bodies.
const TenantHeader = "X-Veritwin-Tenant"

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// AskRequest is the request format for POST /api/ask.
type AskRequest struct {
	TwinID   string   `json:"twin_id"`
	Question string   `json:"question"`
	History  []string `json:"history,omitempty"`
	Mode     string   `json:"mode,omitempty"` // "twin" (default) or "creator"
}

// AskResponse is the response format for POST /api/ask. Confidence is
// always present so the response layer can phrase uncertainty; Escalated
// plus EscalationID signal that the question was forwarded to the owner.
type AskResponse struct {
	Answer       string   `json:"answer"`
	Citations    []string `json:"citations,omitempty"`
	Confidence   float64  `json:"confidence"`
	Source       string   `json:"source,omitempty"`
	UsedVerified bool     `json:"used_verified"`
	Exact        bool     `json:"exact"`
	Escalated    bool     `json:"escalated"`
	EscalationID string   `json:"escalation_id,omitempty"`
}

// EscalationResponse is the wire form of one escalation record.
type EscalationResponse struct {
	ID              string   `json:"id"`
	TwinID          string   `json:"twin_id"`
	Question        string   `json:"question"`
	Context         []string `json:"context,omitempty"`
	AIAttempt       string   `json:"ai_attempt,omitempty"`
	ConfidenceScore float64  `json:"confidence_score"`
	Status          string   `json:"status"`
	OwnerResponse   string   `json:"owner_response,omitempty"`
	AddToKnowledge  bool     `json:"add_to_knowledge"`
	CreatedAt       string   `json:"created_at"`
	ResolvedAt      string   `json:"resolved_at,omitempty"`
}

// RespondRequest is the request format for POST /api/escalations/{id}/respond.
type RespondRequest struct {
	Answer         string `json:"answer"`
	AddToKnowledge bool   `json:"add_to_knowledge"`
}

// CreateAnswerRequest is the request format for POST /api/twins/{twin}/answers.
type CreateAnswerRequest struct {
	Question  string   `json:"question"`
	Answer    string   `json:"answer"`
	Citations []string `json:"citations,omitempty"`
}

// EditAnswerRequest is the request format for POST /api/answers/{id}/edit.
type EditAnswerRequest struct {
	Answer string `json:"answer"`
}

// AnswerResponse is the wire form of a verified answer.
type AnswerResponse struct {
	ID        string   `json:"id"`
	TwinID    string   `json:"twin_id"`
	Question  string   `json:"question"`
	Answer    string   `json:"answer"`
	Citations []string `json:"citations,omitempty"`
	Version   int      `json:"version"`
	Status    string   `json:"status"`
	CreatedBy string   `json:"created_by,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// PatchResponse is the wire form of one answer revision.
type PatchResponse struct {
	Version   int    `json:"version"`
	Answer    string `json:"answer"`
	EditedBy  string `json:"edited_by,omitempty"`
	CreatedAt string `json:"created_at"`
}

func escalationResponse(esc *types.Escalation) EscalationResponse {
	resp := EscalationResponse{
		ID:              esc.ID,
		TwinID:          esc.TwinID,
		Question:        esc.Question,
		Context:         esc.Context,
		AIAttempt:       esc.AIAttempt,
		ConfidenceScore: esc.ConfidenceScore,
		Status:          string(esc.Status),
		OwnerResponse:   esc.OwnerResponse,
		AddToKnowledge:  esc.AddToKnowledge,
		CreatedAt:       esc.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if esc.ResolvedAt != nil {
		resp.ResolvedAt = esc.ResolvedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return resp
}

func answerResponse(answer *types.VerifiedAnswer) AnswerResponse {
	return AnswerResponse{
		ID:        answer.ID,
		TwinID:    answer.TwinID,
		Question:  answer.Question,
		Answer:    answer.Answer,
		Citations: answer.Citations,
		Version:   answer.Version,
		Status:    string(answer.Status),
		CreatedBy: answer.CreatedBy,
		CreatedAt: answer.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt: answer.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes a standard error response.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
