package client

import (
	"context"

	"auctionhouse/internal/protocol"
)

func (c *Client) Register(ctx context.Context, username, password string) (protocol.LoginResponse, error) {
	return roundTrip[protocol.LoginResponse](ctx, c, protocol.TypeRegisterReq,
		protocol.Credentials{Username: username, Password: password})
}

func (c *Client) Login(ctx context.Context, username, password string) (protocol.LoginResponse, error) {
	return roundTrip[protocol.LoginResponse](ctx, c, protocol.TypeLoginReq,
		protocol.Credentials{Username: username, Password: password})
}

func (c *Client) Logout(ctx context.Context, token string) error {
	_, err := roundTrip[protocol.Result](ctx, c, protocol.TypeLogoutReq, protocol.LogoutRequest{Token: token})
	return err
}

// Deposit returns the balance after the deposit.
func (c *Client) Deposit(ctx context.Context, amount int64) (int64, error) {
	res, err := roundTrip[protocol.BalanceResponse](ctx, c, protocol.TypeDepositReq, protocol.AmountRequest{Amount: amount})
	return res.Balance, err
}

// Redeem returns the balance after the withdrawal.
func (c *Client) Redeem(ctx context.Context, amount int64) (int64, error) {
	res, err := roundTrip[protocol.BalanceResponse](ctx, c, protocol.TypeRedeemReq, protocol.AmountRequest{Amount: amount})
	return res.Balance, err
}

func (c *Client) History(ctx context.Context) (protocol.HistoryResponse, error) {
	return roundTrip[protocol.HistoryResponse](ctx, c, protocol.TypeViewHistoryReq, nil)
}

func (c *Client) ListRooms(ctx context.Context, query string) ([]protocol.RoomInfo, error) {
	res, err := roundTrip[protocol.RoomListResponse](ctx, c, protocol.TypeListRoomsReq, protocol.QueryRequest{Query: query})
	return res.Rooms, err
}

func (c *Client) SearchItems(ctx context.Context, query string) ([]protocol.ItemInfo, error) {
	res, err := roundTrip[protocol.ItemListResponse](ctx, c, protocol.TypeSearchItemReq, protocol.QueryRequest{Query: query})
	return res.Items, err
}

func (c *Client) CreateRoom(ctx context.Context, name, description string) (int64, error) {
	res, err := roundTrip[protocol.CreateRoomResponse](ctx, c, protocol.TypeCreateRoomReq,
		protocol.CreateRoomRequest{Name: name, Description: description})
	return res.RoomID, err
}

func (c *Client) JoinRoom(ctx context.Context, roomID int64) error {
	_, err := roundTrip[protocol.Result](ctx, c, protocol.TypeJoinRoomReq, protocol.RoomRequest{RoomID: roomID})
	return err
}

func (c *Client) LeaveRoom(ctx context.Context) error {
	_, err := roundTrip[protocol.Result](ctx, c, protocol.TypeLeaveRoomReq, nil)
	return err
}

func (c *Client) ViewItems(ctx context.Context) ([]protocol.ItemInfo, error) {
	res, err := roundTrip[protocol.ItemListResponse](ctx, c, protocol.TypeViewItemsReq, nil)
	return res.Items, err
}

// Bid returns the item's price after the bid was accepted.
func (c *Client) Bid(ctx context.Context, itemID, amount int64) (int64, error) {
	res, err := roundTrip[protocol.PriceResponse](ctx, c, protocol.TypeBidReq,
		protocol.BidRequest{ItemID: itemID, Amount: amount})
	return res.Price, err
}

// BuyNow returns the price paid.
func (c *Client) BuyNow(ctx context.Context, itemID int64) (int64, error) {
	res, err := roundTrip[protocol.PriceResponse](ctx, c, protocol.TypeBuyNowReq, protocol.ItemRequest{ItemID: itemID})
	return res.Price, err
}

// Chat posts text to the current room. Only failures are answered, and
// those arrive on Events.
func (c *Client) Chat(ctx context.Context, text string) error {
	return c.Post(ctx, protocol.TypeChatReq, protocol.ChatRequest{Text: text})
}

func (c *Client) CreateItem(ctx context.Context, item protocol.CreateItemRequest) (int64, error) {
	res, err := roundTrip[protocol.CreateItemResponse](ctx, c, protocol.TypeCreateItemReq, item)
	return res.ItemID, err
}

func (c *Client) DeleteItem(ctx context.Context, itemID int64) error {
	_, err := roundTrip[protocol.Result](ctx, c, protocol.TypeDeleteItemReq, protocol.ItemRequest{ItemID: itemID})
	return err
}
