package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Result is embedded in every response payload.
type Result struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Response codes carried in Result.Code.
const (
	CodeBadRequest        = "bad_request"
	CodeUnauthorized      = "unauthorized"
	CodeNotInRoom         = "not_in_room"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeInvalidCreds      = "invalid_credentials"
	CodeInsufficientFunds = "insufficient_funds"
	CodeBidTooLow         = "bid_too_low"
	CodeAlreadySold       = "already_sold"
	CodeAuctionEnded      = "auction_ended"
	CodeNoBuyNow          = "no_buy_now"
	CodeOwnItem           = "own_item"
	CodeForbidden         = "forbidden"
	CodeRoomFull          = "registry_full"
	CodeStoreUnavailable  = "store_unavailable"
	CodeUnsupported       = "unsupported"
)

func OK() Result { return Result{OK: true} }

func Fail(code, message string) Result {
	return Result{Code: code, Message: message}
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Result
	UserID  int64  `json:"user_id,omitempty"`
	Token   string `json:"token,omitempty"`
	Balance int64  `json:"balance,omitempty"`
}

type LogoutRequest struct {
	Token string `json:"token"`
}

type AmountRequest struct {
	Amount int64 `json:"amount"`
}

type BalanceResponse struct {
	Result
	Balance int64 `json:"balance"`
}

type HistoryEntry struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Amount    int64  `json:"amount"`
	ItemID    int64  `json:"item_id,omitempty"`
	ItemName  string `json:"item_name,omitempty"`
	Status    string `json:"status"`
	Timestamp int64  `json:"ts"`
}

type HistoryResponse struct {
	Result
	Entries   []HistoryEntry `json:"entries"`
	Truncated bool           `json:"truncated,omitempty"`
}

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type CreateRoomResponse struct {
	Result
	RoomID int64 `json:"room_id,omitempty"`
}

type QueryRequest struct {
	Query string `json:"query"`
}

type RoomInfo struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	UserCount   int    `json:"user_count"`
	Active      bool   `json:"active"`
}

type RoomListResponse struct {
	Result
	Rooms     []RoomInfo `json:"rooms"`
	Truncated bool       `json:"truncated,omitempty"`
}

type RoomRequest struct {
	RoomID int64 `json:"room_id"`
}

type ItemInfo struct {
	ID           int64  `json:"id"`
	RoomID       int64  `json:"room_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	StartPrice   int64  `json:"start_price"`
	CurrentPrice int64  `json:"current_price"`
	BuyNowPrice  int64  `json:"buy_now_price,omitempty"`
	SellerID     int64  `json:"seller_id"`
	WinnerID     int64  `json:"winner_id,omitempty"`
	EndsAt       int64  `json:"ends_at"`
	Status       string `json:"status"`
}

type ItemListResponse struct {
	Result
	Items     []ItemInfo `json:"items"`
	Truncated bool       `json:"truncated,omitempty"`
}

type BidRequest struct {
	ItemID int64 `json:"item_id"`
	Amount int64 `json:"amount"`
}

type PriceResponse struct {
	Result
	ItemID int64 `json:"item_id,omitempty"`
	Price  int64 `json:"price,omitempty"`
}

type BidNotify struct {
	ItemID     int64  `json:"item_id"`
	NewPrice   int64  `json:"new_price"`
	BidderID   int64  `json:"bidder_id"`
	BidderName string `json:"bidder_name"`
}

type ItemRequest struct {
	ItemID int64 `json:"item_id"`
}

type ChatRequest struct {
	Text string `json:"text"`
}

type ChatNotify struct {
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
}

type CreateItemRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	StartPrice  int64  `json:"start_price"`
	BuyNowPrice int64  `json:"buy_now_price"`
	DurationSec uint32 `json:"duration_sec"`
}

type CreateItemResponse struct {
	Result
	ItemID int64 `json:"item_id,omitempty"`
}

type TimerUpdate struct {
	ItemID       int64  `json:"item_id"`
	RemainingSec uint32 `json:"remaining_sec"`
}

// ItemSold announces the end of an auction. WinnerID is zero when the item
// closed without a sale.
type ItemSold struct {
	ItemID     int64  `json:"item_id"`
	RoomID     int64  `json:"room_id"`
	WinnerID   int64  `json:"winner_id,omitempty"`
	WinnerName string `json:"winner_name,omitempty"`
	FinalPrice int64  `json:"final_price"`
}

type SessionSuperseded struct {
	Message string `json:"message"`
}

// EncodePayload marshals v as a JSON payload.
func EncodePayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("json payload empty")
	}
	return b, nil
}

// DecodePayload unmarshals a JSON payload into T. Unknown fields are
// tolerated; an empty or non-JSON payload is an envelope error.
func DecodePayload[T any](payload []byte) (T, error) {
	var zero T
	if len(payload) == 0 {
		return zero, errors.Join(ErrEnvelope, errors.New("empty payload"))
	}
	if err := json.Unmarshal(payload, &zero); err != nil {
		return zero, errors.Join(ErrEnvelope, fmt.Errorf("decode payload: %w", err))
	}
	return zero, nil
}
