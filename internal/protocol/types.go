package protocol

import "fmt"

// Type is the message type tag carried in every frame header.
//
// Tags are grouped by domain: auth 1-6, account 11-16, lobby 21-30,
// in-room 31-43 and server-pushed events 51-54.
type Type byte

const (
	TypeLoginReq    Type = 1
	TypeLoginRes    Type = 2
	TypeRegisterReq Type = 3
	TypeRegisterRes Type = 4
	TypeLogoutReq   Type = 5
	TypeLogoutRes   Type = 6

	TypeDepositReq     Type = 11
	TypeDepositRes     Type = 12
	TypeRedeemReq      Type = 13
	TypeRedeemRes      Type = 14
	TypeViewHistoryReq Type = 15
	TypeViewHistoryRes Type = 16

	TypeJoinRoomReq   Type = 21
	TypeJoinRoomRes   Type = 22
	TypeLeaveRoomReq  Type = 23
	TypeLeaveRoomRes  Type = 24
	TypeListRoomsReq  Type = 25
	TypeListRoomsRes  Type = 26
	TypeSearchItemReq Type = 27
	TypeSearchItemRes Type = 28
	TypeCreateRoomReq Type = 29
	TypeCreateRoomRes Type = 30

	TypeViewItemsReq  Type = 31
	TypeViewItemsRes  Type = 32
	TypeBidReq        Type = 33
	TypeBidRes        Type = 34
	TypeBidNotify     Type = 35
	TypeBuyNowReq     Type = 36
	TypeBuyNowRes     Type = 37
	TypeChatReq       Type = 38
	TypeChatNotify    Type = 39
	TypeCreateItemReq Type = 40
	TypeCreateItemRes Type = 41
	TypeDeleteItemReq Type = 42
	TypeDeleteItemRes Type = 43

	TypeTimerUpdate       Type = 51
	TypeItemSold          Type = 52
	TypeError             Type = 53
	TypeSessionSuperseded Type = 54
)

var typeNames = map[Type]string{
	TypeLoginReq:          "login_req",
	TypeLoginRes:          "login_res",
	TypeRegisterReq:       "register_req",
	TypeRegisterRes:       "register_res",
	TypeLogoutReq:         "logout_req",
	TypeLogoutRes:         "logout_res",
	TypeDepositReq:        "deposit_req",
	TypeDepositRes:        "deposit_res",
	TypeRedeemReq:         "redeem_req",
	TypeRedeemRes:         "redeem_res",
	TypeViewHistoryReq:    "view_history_req",
	TypeViewHistoryRes:    "view_history_res",
	TypeJoinRoomReq:       "join_room_req",
	TypeJoinRoomRes:       "join_room_res",
	TypeLeaveRoomReq:      "leave_room_req",
	TypeLeaveRoomRes:      "leave_room_res",
	TypeListRoomsReq:      "list_rooms_req",
	TypeListRoomsRes:      "list_rooms_res",
	TypeSearchItemReq:     "search_item_req",
	TypeSearchItemRes:     "search_item_res",
	TypeCreateRoomReq:     "create_room_req",
	TypeCreateRoomRes:     "create_room_res",
	TypeViewItemsReq:      "view_items_req",
	TypeViewItemsRes:      "view_items_res",
	TypeBidReq:            "bid_req",
	TypeBidRes:            "bid_res",
	TypeBidNotify:         "bid_notify",
	TypeBuyNowReq:         "buy_now_req",
	TypeBuyNowRes:         "buy_now_res",
	TypeChatReq:           "chat_req",
	TypeChatNotify:        "chat_notify",
	TypeCreateItemReq:     "create_item_req",
	TypeCreateItemRes:     "create_item_res",
	TypeDeleteItemReq:     "delete_item_req",
	TypeDeleteItemRes:     "delete_item_res",
	TypeTimerUpdate:       "timer_update",
	TypeItemSold:          "item_sold",
	TypeError:             "error",
	TypeSessionSuperseded: "session_superseded",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// IsKnown reports whether t is a defined message type.
func (t Type) IsKnown() bool {
	_, ok := typeNames[t]
	return ok
}

// Flags is the 16-bit flag set of a frame header. Bits are independent.
type Flags uint16

const (
	FlagRequiresAck  Flags = 0x0001
	FlagIsAck        Flags = 0x0002
	FlagRetransmit   Flags = 0x0004
	FlagCompressed   Flags = 0x0008
	FlagFragmented   Flags = 0x0010
	FlagBroadcast    Flags = 0x0020
	FlagHighPriority Flags = 0x0040
	FlagEncrypted    Flags = 0x0080

	knownFlags = FlagRequiresAck | FlagIsAck | FlagRetransmit | FlagCompressed |
		FlagFragmented | FlagBroadcast | FlagHighPriority | FlagEncrypted
)

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Header is the host-order view of a frame header.
type Header struct {
	Version   uint8
	Type      Type
	Flags     Flags
	RequestID uint32
	Timestamp uint64 // unix milliseconds
	Length    uint32
}

// Message is one decoded frame: header plus payload.
type Message struct {
	Header
	Payload []byte
}
