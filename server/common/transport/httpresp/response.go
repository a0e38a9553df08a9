package httpresp

const (
	ErrUnauthorized         = "unauthorized"
	ErrMissingBearerToken   = "bearer token is required"
	ErrInvalidToken         = "invalid token"
	ErrConversationNotFound = "conversation not found"
	ErrNotParticipant       = "not a participant of this conversation"
	ErrStoreUnavailable     = "message store unavailable"
	ErrInvalidPagination    = "page and limit must be positive integers"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

type ListResponse[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page,omitempty"`
	Limit int `json:"limit,omitempty"`
}

type ReadResponse struct {
	OK      bool `json:"ok"`
	Updated int  `json:"updated"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewCodedErrorResponse(message, code string) ErrorResponse {
	return ErrorResponse{Error: message, Code: code}
}

func NewHealthResponse(status, store string) HealthResponse {
	return HealthResponse{Status: status, Store: store}
}

func NewListResponse[T any](items []T, page, limit int) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Page: page, Limit: limit}
}

func NewReadResponse(updated int) ReadResponse {
	return ReadResponse{OK: true, Updated: updated}
}
