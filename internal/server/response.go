package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"aimint/internal/chain"
	"aimint/internal/inference"
	"aimint/internal/pipeline"
)

type mintRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type imageResponse struct {
	ContentType string `json:"contentType"`
	DataURI     string `json:"dataUri"`
}

type mintResponse struct {
	Status      string         `json:"status"`
	RunID       string         `json:"runId,omitempty"`
	TxHash      string         `json:"txHash,omitempty"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	TokenID     string         `json:"tokenId,omitempty"`
	MetadataURI string         `json:"metadataUri,omitempty"`
	Image       *imageResponse `json:"image,omitempty"`
	Stage       string         `json:"stage,omitempty"`
	Category    string         `json:"category,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type errorResponse struct {
	Status   string `json:"status"`
	Category string `json:"category,omitempty"`
	Error    string `json:"error"`
}

func newImageResponse(img inference.Image) *imageResponse {
	return &imageResponse{
		ContentType: img.ContentType,
		DataURI:     "data:" + img.ContentType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
	}
}

// renderOutcome maps a finished run to its HTTP status and body.
func renderOutcome(out pipeline.Outcome) (int, mintResponse) {
	resp := mintResponse{
		RunID:       out.RunID,
		MetadataURI: out.MetadataURI(),
	}
	if out.Image != nil {
		resp.Image = newImageResponse(*out.Image)
	}

	if out.Confirmed() {
		resp.Status = "confirmed"
		resp.TxHash = out.Receipt.TxHash.Hex()
		resp.BlockNumber = out.Receipt.BlockNumber
		if out.Receipt.TokenID != nil {
			resp.TokenID = out.Receipt.TokenID.String()
		}
		return http.StatusCreated, resp
	}

	resp.Status = "failed"
	resp.Stage = string(out.Err.Stage)
	resp.Category = out.Err.Category()
	resp.Error = out.Err.Err.Error()
	return statusForError(out.Err.Err), resp
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrValidation):
		return http.StatusBadRequest
	case chain.IsConnectionError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, chain.ErrSignerRejected):
		return http.StatusForbidden
	case errors.Is(err, chain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, chain.ErrTransactionReverted):
		return http.StatusConflict
	case errors.Is(err, chain.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout
	}
	// generation and publishing failures
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, category string, err error) {
	writeJSON(w, status, errorResponse{Status: "failed", Category: category, Error: err.Error()})
}
