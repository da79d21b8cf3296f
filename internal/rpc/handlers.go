package rpc

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/TomAFrench/vector/internal/builder"
	"github.com/TomAFrench/vector/internal/engine"
	"github.com/TomAFrench/vector/internal/messaging"
	"github.com/TomAFrench/vector/pkg/types"
)

// Method schemas, carried as data and mirrored at the engine boundary.
var methodSchemas = map[string]Schema{
	"chan_getConfig": {},
	"chan_getStatus": {},
	"chan_getChannelState": {Fields: []Field{
		{Name: "channelAddress", Type: TypeBytes32, Required: true},
	}},
	"chan_getChannelStateByParticipants": {Fields: []Field{
		{Name: "alice", Type: TypeIdentifier, Required: true},
		{Name: "bob", Type: TypeIdentifier, Required: true},
		{Name: "chainId", Type: TypeUint, Required: true},
	}},
	"chan_getChannelStates": {},
	"chan_getActiveTransfers": {Fields: []Field{
		{Name: "channelAddress", Type: TypeBytes32, Required: true},
	}},
	"chan_getTransferState": {Fields: []Field{
		{Name: "transferId", Type: TypeBytes32, Required: true},
	}},
	"chan_getTransferStateByRoutingId": {Fields: []Field{
		{Name: "routingId", Type: TypeString, Required: true},
	}},
	"chan_getRegisteredTransfers": {Fields: []Field{
		{Name: "chainId", Type: TypeUint, Required: true},
	}},
	"chan_setup": {Fields: []Field{
		{Name: "counterpartyIdentifier", Type: TypeIdentifier, Required: true},
		{Name: "chainId", Type: TypeUint, Required: true},
		{Name: "timeout", Type: TypeUint},
	}},
	"chan_requestSetup": {Fields: []Field{
		{Name: "aliceIdentifier", Type: TypeIdentifier, Required: true},
		{Name: "chainId", Type: TypeUint, Required: true},
		{Name: "timeout", Type: TypeUint},
	}},
	"chan_deposit": {Fields: []Field{
		{Name: "channelAddress", Type: TypeBytes32, Required: true},
		{Name: "assetId", Type: TypeAddress, Required: true},
	}},
	"chan_requestCollateral": {Fields: []Field{
		{Name: "channelAddress", Type: TypeBytes32, Required: true},
		{Name: "assetId", Type: TypeAddress, Required: true},
		{Name: "amount", Type: TypeAmount},
	}},
	"chan_createTransfer": {Fields: []Field{
		{Name: "channelAddress", Type: TypeBytes32, Required: true},
		{Name: "amount", Type: TypeAmount, Required: true},
		{Name: "assetId", Type: TypeAddress, Required: true},
		{Name: "type", Type: TypeString, Required: true},
		{Name: "details", Type: TypeObject, Required: true},
		{Name: "recipient", Type: TypeIdentifier},
		{Name: "recipientChainId", Type: TypeUint},
		{Name: "recipientAssetId", Type: TypeAddress},
		{Name: "requireOnline", Type: TypeBool},
		{Name: "timeout", Type: TypeUint},
		{Name: "meta", Type: TypeObject},
	}},
	"chan_resolveTransfer": {Fields: []Field{
		{Name: "channelAddress", Type: TypeBytes32, Required: true},
		{Name: "transferId", Type: TypeBytes32, Required: true},
		{Name: "transferResolver", Type: TypeObject, Required: true},
		{Name: "meta", Type: TypeObject},
	}},
	"chan_withdraw": {Fields: []Field{
		{Name: "channelAddress", Type: TypeBytes32, Required: true},
		{Name: "amount", Type: TypeAmount, Required: true},
		{Name: "assetId", Type: TypeAddress, Required: true},
		{Name: "recipient", Type: TypeAddress, Required: true},
		{Name: "fee", Type: TypeAmount},
		{Name: "meta", Type: TypeObject},
	}},
	"chan_restoreState": {Fields: []Field{
		{Name: "counterpartyIdentifier", Type: TypeIdentifier, Required: true},
		{Name: "chainId", Type: TypeUint, Required: true},
	}},
	"chan_sendIsAlive": {Fields: []Field{
		{Name: "skipCheckIn", Type: TypeBool},
	}},
	"chan_getQueuedUpdates": {Fields: []Field{
		{Name: "channelAddress", Type: TypeBytes32, Required: true},
		{Name: "status", Type: TypeString, Required: true},
	}},
	"chan_getChannelDispute": {Fields: []Field{
		{Name: "channelAddress", Type: TypeBytes32, Required: true},
	}},
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	schema, known := methodSchemas[req.Method]
	if !known {
		return nil, &Error{Code: CodeMethodNotFound, Message: "unknown method " + req.Method}
	}

	params, rpcErr := paramsObject(req.Params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if violations := schema.Validate(params); len(violations) > 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid params", Data: violations}
	}

	switch req.Method {
	case "chan_getConfig":
		return s.handleGetConfig()
	case "chan_getStatus":
		return s.handleGetStatus()
	case "chan_getChannelState":
		return s.handleGetChannelState(params)
	case "chan_getChannelStateByParticipants":
		return s.handleGetChannelStateByParticipants(params)
	case "chan_getChannelStates":
		return s.handleGetChannelStates()
	case "chan_getActiveTransfers":
		return s.handleGetActiveTransfers(params)
	case "chan_getTransferState":
		return s.handleGetTransferState(params)
	case "chan_getTransferStateByRoutingId":
		return s.handleGetTransferStateByRoutingId(params)
	case "chan_getRegisteredTransfers":
		return s.handleGetRegisteredTransfers(ctx, params)
	case "chan_setup":
		return s.handleSetup(ctx, params)
	case "chan_requestSetup":
		return s.handleRequestSetup(ctx, params)
	case "chan_deposit":
		return s.handleDeposit(ctx, params)
	case "chan_requestCollateral":
		return s.handleRequestCollateral(ctx, params)
	case "chan_createTransfer":
		return s.handleCreateTransfer(ctx, params)
	case "chan_resolveTransfer":
		return s.handleResolveTransfer(ctx, params)
	case "chan_withdraw":
		return s.handleWithdraw(ctx, params)
	case "chan_restoreState":
		return s.handleRestoreState(ctx, params)
	case "chan_sendIsAlive":
		return s.handleSendIsAlive(ctx, params)
	case "chan_getQueuedUpdates":
		return s.handleGetQueuedUpdates(params)
	case "chan_getChannelDispute":
		return s.handleGetChannelDispute(params)
	}
	return nil, &Error{Code: CodeMethodNotFound, Message: "unknown method " + req.Method}
}

func paramsObject(raw interface{}) (map[string]any, *Error) {
	if raw == nil {
		return map[string]any{}, nil
	}
	params, ok := raw.(map[string]any)
	if !ok {
		return nil, &Error{Code: CodeInvalidParams, Message: "params must be an object"}
	}
	return params, nil
}

// remarshal maps validated params onto a typed struct.
func remarshal(params map[string]any, out any) *Error {
	raw, err := json.Marshal(params)
	if err != nil {
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func hashParam(params map[string]any, name string) types.Hash {
	h, _ := types.HashFromHex(params[name].(string))
	return h
}

func addressParam(params map[string]any, name string) types.Address {
	a, _ := types.AddressFromHex(params[name].(string))
	return a
}

func amountParam(params map[string]any, name string) *big.Int {
	raw, ok := params[name].(string)
	if !ok {
		return nil
	}
	v, _ := new(big.Int).SetString(raw, 10)
	return v
}

// ── Read methods (no lock) ──────────────────────────────────────────────

func (s *Server) handleGetConfig() (interface{}, *Error) {
	chainIds := make([]uint64, 0, len(s.network.ChainProviders))
	for chainId := range s.network.ChainProviders {
		chainIds = append(chainIds, chainId)
	}
	return map[string]any{
		"publicIdentifier": s.engine.PublicIdentifier(),
		"signerAddress":    s.engine.SignerAddress(),
		"chainIds":         chainIds,
	}, nil
}

func (s *Server) handleGetStatus() (interface{}, *Error) {
	channels, err := s.store.GetChannelStates()
	if err != nil {
		return nil, protocolError(err)
	}
	return map[string]any{
		"publicIdentifier": s.engine.PublicIdentifier(),
		"channelCount":     len(channels),
	}, nil
}

func (s *Server) handleGetChannelState(params map[string]any) (interface{}, *Error) {
	channel, err := s.engine.GetChannelState(hashParam(params, "channelAddress"))
	if err != nil {
		return nil, protocolError(err)
	}
	return channel, nil
}

func (s *Server) handleGetChannelStateByParticipants(params map[string]any) (interface{}, *Error) {
	alice := types.PublicIdentifier(params["alice"].(string))
	bob := types.PublicIdentifier(params["bob"].(string))
	chainId := uint64(params["chainId"].(float64))
	channel, err := s.store.GetChannelStateByParticipants(alice, bob, chainId)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "channel not found"}
	}
	return channel, nil
}

func (s *Server) handleGetChannelStates() (interface{}, *Error) {
	channels, err := s.store.GetChannelStates()
	if err != nil {
		return nil, protocolError(err)
	}
	addresses := make([]string, len(channels))
	for i, channel := range channels {
		addresses[i] = channel.ChannelAddress.String()
	}
	return addresses, nil
}

func (s *Server) handleGetActiveTransfers(params map[string]any) (interface{}, *Error) {
	transfers, err := s.store.GetActiveTransfers(hashParam(params, "channelAddress"))
	if err != nil {
		return nil, protocolError(err)
	}
	return transfers, nil
}

func (s *Server) handleGetTransferState(params map[string]any) (interface{}, *Error) {
	transfer, err := s.store.GetTransferState(hashParam(params, "transferId"))
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "transfer not found"}
	}
	return transfer, nil
}

func (s *Server) handleGetTransferStateByRoutingId(params map[string]any) (interface{}, *Error) {
	transfers, err := s.store.GetTransfersByRoutingId(params["routingId"].(string))
	if err != nil {
		return nil, protocolError(err)
	}
	return transfers, nil
}

func (s *Server) handleGetRegisteredTransfers(ctx context.Context, params map[string]any) (interface{}, *Error) {
	infos, err := s.engine.ChainReader().GetRegisteredTransfers(ctx, uint64(params["chainId"].(float64)))
	if err != nil {
		return nil, protocolError(err)
	}
	return infos, nil
}

func (s *Server) handleGetQueuedUpdates(params map[string]any) (interface{}, *Error) {
	status := types.QueuedUpdateStatus(params["status"].(string))
	updates, err := s.store.GetQueuedUpdates(hashParam(params, "channelAddress"), status)
	if err != nil {
		return nil, protocolError(err)
	}
	return updates, nil
}

func (s *Server) handleGetChannelDispute(params map[string]any) (interface{}, *Error) {
	dispute, err := s.store.GetChannelDispute(hashParam(params, "channelAddress"))
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "no dispute recorded"}
	}
	return dispute, nil
}

// ── Mutating methods (funnel through the engine's locking) ──────────────

func (s *Server) handleSetup(ctx context.Context, params map[string]any) (interface{}, *Error) {
	var p engine.SetupParams
	if rpcErr := remarshal(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	channel, err := s.engine.Setup(ctx, p)
	if err != nil {
		return nil, protocolError(err)
	}
	return channel, nil
}

func (s *Server) handleRequestSetup(ctx context.Context, params map[string]any) (interface{}, *Error) {
	alice := types.PublicIdentifier(params["aliceIdentifier"].(string))
	req := messaging.SetupRequest{ChainId: uint64(params["chainId"].(float64))}
	if timeout, ok := params["timeout"].(float64); ok {
		req.Timeout = uint64(timeout)
	}
	resp, err := s.messaging.SendSetupMessage(ctx, alice, req)
	if err != nil {
		return nil, protocolError(err)
	}
	if resp.Error != nil {
		return nil, protocolError(resp.Error)
	}
	return map[string]any{"channelAddress": resp.ChannelAddress}, nil
}

func (s *Server) handleDeposit(ctx context.Context, params map[string]any) (interface{}, *Error) {
	channel, err := s.engine.Deposit(ctx, engine.DepositParams{
		ChannelAddress: hashParam(params, "channelAddress"),
		AssetId:        addressParam(params, "assetId"),
	})
	if err != nil {
		return nil, protocolError(err)
	}
	return channel, nil
}

func (s *Server) handleRequestCollateral(ctx context.Context, params map[string]any) (interface{}, *Error) {
	channelAddress := hashParam(params, "channelAddress")
	channel, err := s.engine.GetChannelState(channelAddress)
	if err != nil {
		return nil, protocolError(err)
	}
	req := messaging.CollateralRequest{
		ChannelAddress: channelAddress,
		AssetId:        addressParam(params, "assetId"),
	}
	if amount, ok := params["amount"].(string); ok {
		req.Amount = amount
	}
	counterparty := channel.Counterparty(s.engine.PublicIdentifier())
	resp, err := s.messaging.SendRequestCollateralMessage(ctx, counterparty, req)
	if err != nil {
		return nil, protocolError(err)
	}
	if resp.Error != nil {
		return nil, protocolError(resp.Error)
	}
	return map[string]any{"channelAddress": channelAddress}, nil
}

func (s *Server) handleCreateTransfer(ctx context.Context, params map[string]any) (interface{}, *Error) {
	var in builder.TransferInput
	if rpcErr := remarshal(params, &in); rpcErr != nil {
		return nil, rpcErr
	}
	in.Amount = amountParam(params, "amount")

	channel, err := s.engine.GetChannelState(in.ChannelAddress)
	if err != nil {
		return nil, protocolError(err)
	}
	createParams, err := s.builder.ConvertTransferParams(in, channel)
	if err != nil {
		return nil, protocolError(err)
	}
	updated, err := s.engine.CreateTransfer(ctx, createParams)
	if err != nil {
		return nil, protocolError(err)
	}
	return updated, nil
}

func (s *Server) handleResolveTransfer(ctx context.Context, params map[string]any) (interface{}, *Error) {
	var in builder.ResolveInput
	if rpcErr := remarshal(params, &in); rpcErr != nil {
		return nil, rpcErr
	}
	resolveParams, err := s.builder.ConvertResolveConditionParams(in)
	if err != nil {
		return nil, protocolError(err)
	}
	updated, err := s.engine.ResolveTransfer(ctx, resolveParams)
	if err != nil {
		return nil, protocolError(err)
	}
	return updated, nil
}

func (s *Server) handleWithdraw(ctx context.Context, params map[string]any) (interface{}, *Error) {
	var in builder.WithdrawInput
	if rpcErr := remarshal(params, &in); rpcErr != nil {
		return nil, rpcErr
	}
	in.Amount = amountParam(params, "amount")
	in.Fee = amountParam(params, "fee")

	channel, err := s.engine.GetChannelState(in.ChannelAddress)
	if err != nil {
		return nil, protocolError(err)
	}
	createParams, err := s.builder.ConvertWithdrawParams(ctx, in, channel)
	if err != nil {
		return nil, protocolError(err)
	}
	updated, err := s.engine.CreateTransfer(ctx, createParams)
	if err != nil {
		return nil, protocolError(err)
	}
	details, _ := updated.LatestUpdate.Details.(types.CreateDetails)
	return map[string]any{
		"channel":    updated,
		"transferId": details.TransferId,
	}, nil
}

func (s *Server) handleRestoreState(ctx context.Context, params map[string]any) (interface{}, *Error) {
	counterparty := types.PublicIdentifier(params["counterpartyIdentifier"].(string))
	chainId := uint64(params["chainId"].(float64))
	channel, err := s.engine.RequestRestore(ctx, counterparty, chainId)
	if err != nil {
		return nil, protocolError(err)
	}
	return channel, nil
}

func (s *Server) handleSendIsAlive(ctx context.Context, params map[string]any) (interface{}, *Error) {
	skip, _ := params["skipCheckIn"].(bool)
	err := s.messaging.SendIsAliveMessage(ctx, messaging.IsAliveMessage{
		Identifier:  s.engine.PublicIdentifier(),
		SkipCheckIn: skip,
	})
	if err != nil {
		return nil, protocolError(err)
	}
	return map[string]any{"sent": true}, nil
}
