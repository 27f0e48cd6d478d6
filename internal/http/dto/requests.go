package dto

type DirectConnectionRequest struct {
	RecipientID string `json:"recipient_id"`
}

type ProposalRequest struct {
	RecipientID string `json:"recipient_id"`
	ProposalRef string `json:"proposal_ref"`
	Message     string `json:"message"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}
