package dto

import (
	"strconv"

	"github.com/telex-ph/bug-reporting/internal/model"
)

type OperatorResponse struct {
	ID    int64  `json:"id,string"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func ToOperatorResponse(o *model.Operator) *OperatorResponse {
	return &OperatorResponse{
		ID:    o.ID,
		Name:  o.Name,
		Email: o.Email,
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
